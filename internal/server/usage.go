package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
)

type incrementUsageRequest struct {
	FeatureKey string `json:"feature_key"`
	Quantity   int64  `json:"quantity"`
	Enforce    bool   `json:"enforce"`
}

func (s *Server) IncrementUsage(c *gin.Context) {
	var req incrementUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if featureKey := strings.TrimSpace(req.FeatureKey); featureKey != "" {
		c.Set("feature_key", featureKey)
	}

	usage, err := s.usageSvc.IncrementUsage(c.Request.Context(), usagedomain.IncrementRequest{
		Owner:      ownerFromContext(c),
		FeatureKey: req.FeatureKey,
		Quantity:   req.Quantity,
		Enforce:    req.Enforce,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": usage})
}

func (s *Server) GetCurrentUsage(c *gin.Context) {
	featureKey := strings.TrimSpace(c.Param("feature_key"))
	c.Set("feature_key", featureKey)

	usage, err := s.usageSvc.GetCurrentUsage(c.Request.Context(), ownerFromContext(c), featureKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": usage})
}
