package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/railpay/internal/cache"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/config"
	"github.com/smallbiznis/railpay/internal/observability/logger"
	"github.com/smallbiznis/railpay/internal/observability/metrics"
	"github.com/smallbiznis/railpay/internal/observability/tracing"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// callbackSyncTTL bounds how often a return page may poll one charge's gateway.
const callbackSyncTTL = 3 * time.Second

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(RunHTTP),
)

// NewEngine builds the gin engine with request ids, access logs, metrics and
// server spans.
func NewEngine(cfg config.Config, httpMetrics *metrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(tracing.GinMiddleware())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		SkipPaths: []string{"/health", "/metrics"},
	}))
	engine.Use(metrics.GinMiddleware(httpMetrics))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return engine
}

type Params struct {
	fx.In

	Cfg       config.Config
	Log       *zap.Logger
	Clock     clock.Clock
	Engine    *gin.Engine
	Charges   domain.ChargeService
	Refunds   domain.RefundService
	Transfers domain.TransferService
	Reconcile domain.ReconcileService
}

type Server struct {
	cfg           config.Config
	log           *zap.Logger
	engine        *gin.Engine
	chargeSvc     domain.ChargeService
	refundSvc     domain.RefundService
	transferSvc   domain.TransferService
	reconcileSvc  domain.ReconcileService
	notifyLimiter *rateLimiter
	synced        cache.Cache[snowflake.ID, *domain.Charge]
}

func NewServer(p Params) *Server {
	return &Server{
		cfg:           p.Cfg,
		log:           p.Log.Named("server"),
		engine:        p.Engine,
		chargeSvc:     p.Charges,
		refundSvc:     p.Refunds,
		transferSvc:   p.Transfers,
		reconcileSvc:  p.Reconcile,
		notifyLimiter: newRateLimiter(p.Cfg.HTTP.NotifyRateLimit, time.Minute, p.Clock),
		synced:        cache.NewTTLCache[snowflake.ID, *domain.Charge](p.Clock),
	}
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) RegisterRoutes() {
	r := s.engine
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	pay := r.Group("/pay")
	notify := pay.Group("/notify", limitByClientIP(s.notifyLimiter))
	notify.GET("/:channel", s.HandleNotify)
	notify.POST("/:channel", s.HandleNotify)
	pay.GET("/callback/:id", s.HandleCallback)
	pay.GET("/charges/:id", s.GetCharge)

	api := r.Group("/api/v1")
	charges := api.Group("/charges")
	charges.POST("", s.CreateCharge)
	charges.GET("/:id", s.GetCharge)
	charges.POST("/:id/credential", s.IssueCredential)
	charges.POST("/:id/close", s.CloseCharge)
	charges.POST("/:id/sync", s.SyncCharge)
	charges.POST("/:id/refunds", s.CreateRefund)
	charges.GET("/:id/refunds", s.ListRefunds)

	api.GET("/refunds/:id", s.GetRefund)

	transfers := api.Group("/transfers")
	transfers.POST("", s.CreateTransfer)
	transfers.GET("/:id", s.GetTransfer)
}

// RunHTTP serves the engine for the lifetime of the fx application.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, engine *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", ln.Addr().String()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cfg.HTTP.ShutdownTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
				defer cancel()
			}
			log.Info("http server shutting down")
			return srv.Shutdown(ctx)
		},
	})
}

func parseID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, newValidationError("id", "invalid_id", "invalid id")
	}
	return id, nil
}
