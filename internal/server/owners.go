package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
)

type registerOwnerRequest struct {
	OwnerType    string     `json:"owner_type"`
	OwnerID      string     `json:"owner_id"`
	PlanCode     string     `json:"plan_code"`
	PeriodAnchor *time.Time `json:"period_anchor"`
}

type changePlanRequest struct {
	PlanCode string `json:"plan_code"`
}

type ownerView struct {
	OwnerType    ownerdomain.Type `json:"owner_type"`
	OwnerID      string           `json:"owner_id"`
	PlanCode     string           `json:"plan_code"`
	PeriodAnchor time.Time        `json:"period_anchor"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Cursor       string           `json:"cursor"`
}

func newOwnerView(a *ownerdomain.Account) ownerView {
	return ownerView{
		OwnerType:    a.OwnerType,
		OwnerID:      a.OwnerID.String(),
		PlanCode:     a.PlanCode,
		PeriodAnchor: a.PeriodAnchor,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
		Cursor:       a.ID.String(),
	}
}

func (s *Server) RegisterOwner(c *gin.Context) {
	var req registerOwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	owner, err := ownerdomain.ParseRef(req.OwnerType, req.OwnerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	account, err := s.ownerSvc.Register(c.Request.Context(), ownerdomain.RegisterRequest{
		Owner:        owner,
		PlanCode:     req.PlanCode,
		PeriodAnchor: req.PeriodAnchor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newOwnerView(account)})
}

func (s *Server) GetOwner(c *gin.Context) {
	account, err := s.ownerSvc.Get(c.Request.Context(), ownerFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newOwnerView(account)})
}

func (s *Server) ChangePlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	account, err := s.ownerSvc.ChangePlan(c.Request.Context(), ownerFromContext(c), req.PlanCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newOwnerView(account)})
}

// ListOwners pages the directory; pass the last item's cursor as "after".
func (s *Server) ListOwners(c *gin.Context) {
	req := ownerdomain.ListRequest{PlanCode: strings.TrimSpace(c.Query("plan_code"))}
	if after := strings.TrimSpace(c.Query("after")); after != "" {
		id, err := ledgerID(after)
		if err != nil {
			AbortWithError(c, newValidationError("after", "invalid_after", "invalid cursor"))
			return
		}
		req.AfterID = id
	}
	if limit := strings.TrimSpace(c.Query("limit")); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		req.Limit = n
	}

	accounts, err := s.ownerSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	views := make([]ownerView, 0, len(accounts))
	var last snowflake.ID
	for _, a := range accounts {
		views = append(views, newOwnerView(a))
		last = a.ID
	}
	resp := gin.H{"data": views}
	if last != 0 {
		resp["next_after"] = last.String()
	}
	c.JSON(http.StatusOK, resp)
}
