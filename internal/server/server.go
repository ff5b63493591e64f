package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	rolloverdomain "github.com/smallbiznis/creditledger/internal/rollover/domain"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	OwnerSvc    ownerdomain.Service
	CreditSvc   creditdomain.Service
	UsageSvc    usagedomain.Service
	RolloverSvc rolloverdomain.Service
	Limiter     *ratelimit.OwnerLimiter `optional:"true"`
}

type Server struct {
	log         *zap.Logger
	clock       clock.Clock
	ownerSvc    ownerdomain.Service
	creditSvc   creditdomain.Service
	usageSvc    usagedomain.Service
	rolloverSvc rolloverdomain.Service
	limiter     *ratelimit.OwnerLimiter
}

func NewServer(p Params) *Server {
	return &Server{
		log:         p.Log.Named("http.server"),
		clock:       p.Clock,
		ownerSvc:    p.OwnerSvc,
		creditSvc:   p.CreditSvc,
		usageSvc:    p.UsageSvc,
		rolloverSvc: p.RolloverSvc,
		limiter:     p.Limiter,
	}
}

func registerRoutes(r *gin.Engine, s *Server) {
	s.RegisterRoutes(r)
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")

	v1.POST("/owners", s.RegisterOwner)
	v1.GET("/owners", s.ListOwners)

	owner := v1.Group("/owners/:owner_type/:owner_id", OwnerContext())
	owner.GET("", s.GetOwner)
	owner.PATCH("/plan", s.ChangePlan)
	owner.POST("/grants", s.Grant)
	limited := OwnerRateLimit(s.limiter, s.log)
	owner.POST("/consume", limited, s.Consume)
	owner.POST("/reservations", limited, s.Reserve)
	owner.GET("/available", s.GetAvailable)
	owner.GET("/balance", s.GetBalance)
	owner.GET("/transactions", s.ListTransactions)
	owner.POST("/reconcile", s.Reconcile)
	owner.POST("/usage", limited, s.IncrementUsage)
	owner.GET("/usage/:feature_key", s.GetCurrentUsage)

	v1.GET("/reservations/:id", s.GetReservation)
	v1.POST("/reservations/:id/release", s.ReleaseReservation)
	v1.POST("/reservations/:id/commit", s.CommitReservation)

	admin := v1.Group("/admin")
	admin.POST("/sweep", s.RunSweep)
	admin.POST("/reservations/expire", s.RunExpireReservations)
	admin.POST("/rollover", s.RunRollover)
}
