// Package api serves the operator surface: health, status, positions, risk
// diagnostics, the trade journal, Prometheus metrics, and two control
// actions (close-all, stop).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scalp-core/internal/executor"
	"scalp-core/internal/risk"
	"scalp-core/internal/supervisor"
	"scalp-core/internal/tracker"
	"scalp-core/pkg/db"
)

// Server is the HTTP operator API.
type Server struct {
	sup     *supervisor.Supervisor
	gate    *risk.Gate
	trk     *tracker.Tracker
	exec    *executor.Executor
	journal *db.Journal
	logger  *slog.Logger

	httpSrv *http.Server
}

// NewServer assembles the router. gatherer serves /metrics; journal may be
// nil, which disables /api/trades.
func NewServer(addr, jwtSecret string, sup *supervisor.Supervisor, gate *risk.Gate,
	trk *tracker.Tracker, exec *executor.Executor, journal *db.Journal,
	gatherer prometheus.Gatherer, logger *slog.Logger) *Server {

	s := &Server{
		sup:     sup,
		gate:    gate,
		trk:     trk,
		exec:    exec,
		journal: journal,
		logger:  logger.With("component", "api"),
	}
	if jwtSecret == "" {
		s.logger.Warn("JWT_SECRET empty, API auth disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	auth := r.Group("/api", authRequired(jwtSecret))
	auth.GET("/status", s.status)
	auth.GET("/positions", s.positions)
	auth.GET("/risk", s.riskStatus)
	auth.GET("/trades", s.trades)
	auth.POST("/close-all", s.closeAll)
	auth.POST("/stop", s.stop)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"engine_state":   s.sup.State().String(),
		"open_positions": s.trk.Count(),
	})
}

func (s *Server) positions(c *gin.Context) {
	c.JSON(http.StatusOK, s.trk.All())
}

func (s *Server) riskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.gate.Evaluate(c.Request.Context(), false))
}

func (s *Server) trades(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	rows, err := s.journal.RecentTrades(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) closeAll(c *gin.Context) {
	if err := s.exec.CloseAll(c.Request.Context(), "api request"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (s *Server) stop(c *gin.Context) {
	go s.sup.Stop(context.Background())
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}
