package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vaultgate/vaultgate/internal/config"
	gatewaydomain "github.com/vaultgate/vaultgate/internal/gateway/domain"
	obslogger "github.com/vaultgate/vaultgate/internal/observability/logger"
	obsmetrics "github.com/vaultgate/vaultgate/internal/observability/metrics"
	obstracing "github.com/vaultgate/vaultgate/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(httpMetrics.Handler()))

	return r
}

func registerGin(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
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
	engine  *gin.Engine
	cfg     config.Config
	log     *zap.Logger
	gateway gatewaydomain.Service
}

type ServerParams struct {
	fx.In

	Gin     *gin.Engine
	Cfg     config.Config
	Log     *zap.Logger
	Gateway gatewaydomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:  p.Gin,
		cfg:     p.Cfg,
		log:     p.Log.Named("http.server"),
		gateway: p.Gateway,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.SessionRequired())

	// -------- Credentials --------
	v1.POST("/keys", s.StoreCredential)
	v1.GET("/keys", s.ListCredentials)
	v1.DELETE("/keys/:id", s.RevokeCredential)
	v1.POST("/keys/:id/rotate", s.RotateCredential)
	v1.GET("/keys/:id/logs", s.ListCredentialLogs)
	v1.GET("/keys/:id/stats", s.GetCredentialStats)
	v1.GET("/keys/:id/usage", s.GetUsageStatus)

	// -------- Grants --------
	v1.POST("/grants", s.CreateGrant)
	v1.GET("/grants", s.ListGrants)
	v1.DELETE("/grants/:id", s.RevokeGrant)

	// -------- Proxy --------
	v1.POST("/proxy", s.ProxyCall)

	// -------- Admin --------
	v1.POST("/admin/cleanup", s.CleanupExpiredGrants)
}
