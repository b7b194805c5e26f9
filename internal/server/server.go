package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/headliner/internal/config"
	credentialdomain "github.com/smallbiznis/headliner/internal/credential/domain"
	"github.com/smallbiznis/headliner/internal/credential/vault"
	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
	"github.com/smallbiznis/headliner/internal/observability"
	obsmiddleware "github.com/smallbiznis/headliner/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/headliner/internal/observability/metrics"
	obstracing "github.com/smallbiznis/headliner/internal/observability/tracing"
	"github.com/smallbiznis/headliner/internal/quota"
	"github.com/smallbiznis/headliner/internal/ratelimit"
	"github.com/smallbiznis/headliner/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ratelimit.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

// SchedulerStatus reports the live timer registry.
type SchedulerStatus interface {
	Status() scheduler.Health
}

// CredentialConnector stores an owner's freshly authorized token pair.
type CredentialConnector interface {
	Connect(ctx context.Context, cred credentialdomain.Credential) (*credentialdomain.Credential, error)
}

var (
	_ SchedulerStatus     = (*scheduler.Scheduler)(nil)
	_ CredentialConnector = (*vault.Vault)(nil)
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
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

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	experimentSvc experimentdomain.Service
	quota         quota.Ledger
	credentials   CredentialConnector
	scheduler     SchedulerStatus
	rotateLimiter *ratelimit.RotateLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	ExperimentSvc experimentdomain.Service
	Quota         quota.Ledger
	Vault         *vault.Vault
	Scheduler     *scheduler.Scheduler     `optional:"true"`
	RotateLimiter *ratelimit.RotateLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http"),
		experimentSvc: p.ExperimentSvc,
		quota:         p.Quota,
		credentials:   p.Vault,
		rotateLimiter: p.RotateLimiter,
		obsMetrics:    p.ObsMetrics,
	}
	if p.Scheduler != nil {
		svc.scheduler = p.Scheduler
	}
	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Experiments --------
	experiments := v1.Group("/experiments")
	experiments.POST("", s.CreateExperiment)
	experiments.GET("/:id", s.GetExperiment)
	experiments.DELETE("/:id", s.ArchiveExperiment)
	experiments.POST("/:id/start", s.StartExperiment)
	experiments.POST("/:id/pause", s.PauseExperiment)
	experiments.POST("/:id/resume", s.ResumeExperiment)
	experiments.POST("/:id/cancel", s.CancelExperiment)
	experiments.POST("/:id/rotate", s.RotateRateLimit(), s.RotateExperiment)
	experiments.GET("/:id/rotations", s.ListRotations)
	experiments.GET("/:id/snapshots", s.ListSnapshots)
	experiments.GET("/:id/results", s.GetResults)

	// -------- Owners --------
	owners := v1.Group("/owners/:owner_id", OwnerScope())
	owners.GET("/quota", s.GetQuotaStatus)
	owners.PUT("/credential", s.ConnectCredential)

	// -------- Scheduler --------
	v1.GET("/scheduler/health", s.GetSchedulerHealth)

	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
