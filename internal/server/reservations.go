package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
)

type reserveRequest struct {
	Amount int64 `json:"amount"`
	// TTLSeconds of zero uses the configured default hold time.
	TTLSeconds        int64   `json:"ttl_seconds"`
	FeatureKey        *string `json:"feature_key"`
	ActionType        string  `json:"action_type"`
	ActionReferenceID *string `json:"action_reference_id"`
}

func (s *Server) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	setFeatureKey(c, req.FeatureKey)
	ttl, err := holdTTL(req.TTLSeconds)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.creditSvc.Reserve(c.Request.Context(), creditdomain.ReserveRequest{
		Owner:             ownerFromContext(c),
		Amount:            req.Amount,
		TTL:               ttl,
		FeatureKey:        req.FeatureKey,
		ActionType:        req.ActionType,
		ActionReferenceID: req.ActionReferenceID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) GetReservation(c *gin.Context) {
	id, err := ledgerID(c.Param("id"))
	if err != nil {
		AbortWithError(c, creditdomain.ErrReservationNotFound)
		return
	}
	res, err := s.creditSvc.GetReservation(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) ReleaseReservation(c *gin.Context) {
	id, err := ledgerID(c.Param("id"))
	if err != nil {
		AbortWithError(c, creditdomain.ErrReservationNotFound)
		return
	}
	res, err := s.creditSvc.Release(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) CommitReservation(c *gin.Context) {
	id, err := ledgerID(c.Param("id"))
	if err != nil {
		AbortWithError(c, creditdomain.ErrReservationNotFound)
		return
	}
	res, err := s.creditSvc.Commit(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}
