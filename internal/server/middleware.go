package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"go.uber.org/zap"
)

const contextOwnerKey = "owner"

// OwnerContext parses the owner path segments once for every owner-scoped
// route and tags the request context for logs and spans.
func OwnerContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := ownerdomain.ParseRef(c.Param("owner_type"), c.Param("owner_id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextOwnerKey, owner)
		ctx := obscontext.WithOwner(c.Request.Context(), string(owner.Type), owner.ID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func ownerFromContext(c *gin.Context) ownerdomain.Ref {
	owner, _ := c.MustGet(contextOwnerKey).(ownerdomain.Ref)
	return owner
}

// OwnerRateLimit must run after OwnerContext. Limiter failures let the
// request through.
func OwnerRateLimit(limiter *ratelimit.OwnerLimiter, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		owner := ownerFromContext(c)
		res, err := limiter.Allow(c.Request.Context(), string(owner.Type), owner.ID.String())
		if err != nil {
			log.Warn("rate limit check failed",
				zap.String("owner_type", string(owner.Type)),
				zap.String("owner_id", owner.ID.String()),
				zap.Error(err),
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
