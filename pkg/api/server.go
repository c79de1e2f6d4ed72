// Package api exposes transaction admission, monitoring control, alerts
// and model training over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/alert"
	"github.com/hed1ad/txguard/pkg/dedup"
	"github.com/hed1ad/txguard/pkg/model"
	"github.com/hed1ad/txguard/pkg/monitor"
	"github.com/hed1ad/txguard/pkg/transaction"
)

// Admitter applies the duplicate policy and stores admitted transactions.
type Admitter interface {
	Record(ctx context.Context, c transaction.Candidate, store dedup.Inserter) (transaction.Transaction, dedup.Decision, error)
}

// Store is the transaction store as seen by the API.
type Store interface {
	dedup.Inserter
	ByOwner(ctx context.Context, owner int64, limit int) ([]transaction.Transaction, error)
}

// Monitor controls the polling loop.
type Monitor interface {
	Start(ctx context.Context, cb monitor.Callback) (monitor.Status, bool)
	Stop() monitor.Status
	Status() monitor.Status
}

// AlertLog lists dispatched alerts.
type AlertLog interface {
	Records(ctx context.Context) ([]alert.Record, error)
}

// Trainer retrains and describes the model.
type Trainer interface {
	Retrain(ctx context.Context) error
	Info() model.Info
}

// Deps are the components the server routes to.
type Deps struct {
	Admitter Admitter
	Store    Store
	Monitor  Monitor
	Feed     *monitor.Feed
	Alerts   AlertLog
	Trainer  Trainer
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front end.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
	deps   Deps
	// base outlives requests; the monitor loop is started under it.
	base context.Context
}

// NewServer builds the router. base bounds the lifetime of background work
// started through the API.
func NewServer(base context.Context, logger *zap.Logger, deps Deps) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Feed == nil {
		deps.Feed = monitor.NewFeed(monitor.DefaultFeedSize)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{router: router, logger: logger, deps: deps, base: base}
	s.registerRoutes()
	return s
}

// Router returns the gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	{
		api.POST("/transactions", s.createTransaction)
		api.GET("/transactions", s.listTransactions)

		mon := api.Group("/monitoring")
		{
			mon.POST("/start", s.startMonitoring)
			mon.POST("/stop", s.stopMonitoring)
			mon.GET("/status", s.monitoringStatus)
			mon.GET("/transactions", s.monitoredTransactions)
		}

		api.GET("/alerts", s.listAlerts)
		api.POST("/model/train", s.trainModel)
	}
}

// Run serves on addr until ctx is done, then shuts down within timeout.
func (s *Server) Run(ctx context.Context, addr string, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
