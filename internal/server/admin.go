package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type rolloverRequest struct {
	PeriodEnd string `json:"period_end"`
}

// The maintenance endpoints return the job summary even when some owners
// failed; failures are counted in the result and logged per owner.

func (s *Server) RunSweep(c *gin.Context) {
	res, err := s.creditSvc.Sweep(c.Request.Context())
	if res == nil {
		AbortWithError(c, err)
		return
	}
	if err != nil {
		s.log.Warn("sweep finished with owner failures", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) RunExpireReservations(c *gin.Context) {
	res, err := s.creditSvc.ExpireReservations(c.Request.Context())
	if res == nil {
		AbortWithError(c, err)
		return
	}
	if err != nil {
		s.log.Warn("reservation expiry finished with owner failures", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) RunRollover(c *gin.Context) {
	var req rolloverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	periodEnd, err := resolvePeriodEnd(req.PeriodEnd, s.clock.Now())
	if err != nil {
		AbortWithError(c, newValidationError("period_end", "invalid_period_end", "period_end must be RFC3339 or YYYY-MM-DD"))
		return
	}

	res, err := s.rolloverSvc.RunRollover(c.Request.Context(), periodEnd)
	if res == nil {
		AbortWithError(c, err)
		return
	}
	if err != nil {
		s.log.Warn("rollover finished with owner failures", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}
