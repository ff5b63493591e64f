package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
)

type grantRequest struct {
	Amount            int64          `json:"amount"`
	SourceType        string         `json:"source_type"`
	FeatureKey        *string        `json:"feature_key"`
	ExpiresAt         time.Time      `json:"expires_at"`
	SourceReferenceID *string        `json:"source_reference_id"`
	Description       string         `json:"description"`
	Metadata          map[string]any `json:"metadata"`
}

type consumeRequest struct {
	Amount            int64   `json:"amount"`
	FeatureKey        *string `json:"feature_key"`
	ActionType        string  `json:"action_type"`
	ActionReferenceID *string `json:"action_reference_id"`
	Description       string  `json:"description"`
}

func (s *Server) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	setFeatureKey(c, req.FeatureKey)

	res, err := s.creditSvc.Grant(c.Request.Context(), creditdomain.GrantRequest{
		Owner:             ownerFromContext(c),
		Amount:            req.Amount,
		SourceType:        creditdomain.SourceType(strings.TrimSpace(req.SourceType)),
		FeatureKey:        req.FeatureKey,
		ExpiresAt:         req.ExpiresAt,
		SourceReferenceID: req.SourceReferenceID,
		Description:       req.Description,
		Metadata:          req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	setFeatureKey(c, req.FeatureKey)

	res, err := s.creditSvc.Consume(c.Request.Context(), creditdomain.ConsumeRequest{
		Owner:             ownerFromContext(c),
		Amount:            req.Amount,
		FeatureKey:        req.FeatureKey,
		ActionType:        req.ActionType,
		ActionReferenceID: req.ActionReferenceID,
		Description:       req.Description,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) GetAvailable(c *gin.Context) {
	featureKey := featureFilter(c.Query("feature_key"))
	setFeatureKey(c, featureKey)

	res, err := s.creditSvc.GetAvailable(c.Request.Context(), ownerFromContext(c), featureKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) GetBalance(c *gin.Context) {
	res, err := s.creditSvc.GetBalance(c.Request.Context(), ownerFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) ListTransactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.creditSvc.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		Owner:      ownerFromContext(c),
		Pagination: page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res.Transactions, "page_info": res.PageInfo})
}

func (s *Server) Reconcile(c *gin.Context) {
	repair, err := flagValue(c.Query("repair"))
	if err != nil {
		AbortWithError(c, newValidationError("repair", "invalid_repair", "repair must be a boolean"))
		return
	}

	res, err := s.creditSvc.Reconcile(c.Request.Context(), ownerFromContext(c), repair)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func setFeatureKey(c *gin.Context, featureKey *string) {
	if featureKey == nil {
		return
	}
	if key := strings.TrimSpace(*featureKey); key != "" {
		c.Set("feature_key", key)
	}
}
