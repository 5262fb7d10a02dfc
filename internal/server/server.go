// Package server exposes the gate's local status surface over HTTP.
//
// Ownership boundary:
// - health, readiness and status routes
// - operator reset of a degraded gate
// - prometheus scrape endpoint
package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/danmuck/edgeprov/internal/gate"
	"github.com/danmuck/edgeprov/internal/migrate"
	"github.com/danmuck/edgeprov/internal/observability"
	"github.com/danmuck/edgeprov/internal/state"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// GateView is the part of the gate the server reads and resets.
type GateView interface {
	Snapshot() gate.Status
	History() []gate.Transition
	Reset()
}

// TargetStatus is one committed acquisition winner.
type TargetStatus struct {
	Name       string    `json:"name"`
	Strategy   string    `json:"strategy"`
	Path       string    `json:"path"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type Server struct {
	ID       string
	Addr     string
	Started  time.Time
	Gate     GateView
	Winners  *state.Winners
	Migrated *migrate.Log

	router *gin.Engine
}

func New(addr string, corsOrigins []string, g GateView) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetrics("gate"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:      "gate",
		Addr:    addr,
		Started: time.Now(),
		Gate:    g,
		router:  r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		st := s.Gate.Snapshot()
		code := http.StatusOK
		if st.State != gate.StateRunning {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":  code == http.StatusOK,
			"state":  st.State,
			"reason": st.Reason,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		body := gin.H{
			"gate":    s.Gate.Snapshot(),
			"history": s.Gate.History(),
		}
		if s.Winners != nil {
			targets, err := s.targets()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			body["targets"] = targets
		}
		if s.Migrated != nil {
			records, err := s.Migrated.Tail(10)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			body["migrations"] = records
		}
		c.JSON(http.StatusOK, body)
	})

	s.router.POST("/gate/reset", func(c *gin.Context) {
		s.Gate.Reset()
		c.JSON(http.StatusAccepted, gin.H{"status": "reset", "gate": s.Gate.Snapshot()})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) targets() ([]TargetStatus, error) {
	all, err := s.Winners.All()
	if err != nil {
		return nil, err
	}
	list := make([]TargetStatus, 0, len(all))
	for name, win := range all {
		list = append(list, TargetStatus{
			Name:       name,
			Strategy:   win.Strategy,
			Path:       win.Path,
			AcquiredAt: win.AcquiredAt,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list, nil
}

// Serve listens on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("server.listen")
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Str("addr", s.Addr).Msg("server.stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
