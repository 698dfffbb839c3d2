// Package server assembles the gin engine and runs the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/sx2000cn/antigravity-pool/internal/cloudcode"
	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/internal/pool"
	"github.com/sx2000cn/antigravity-pool/internal/server/handlers"
)

// Server is the HTTP front of the proxy.
type Server struct {
	cfg  *config.Config
	http *http.Server
	log  zerolog.Logger
}

// New builds the engine with all routes wired.
func New(cfg *config.Config, handler *cloudcode.Handler, p *pool.Pool) *Server {
	if !cfg.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), RequestLog(), CORS(), BodyLimit())

	messages := handlers.NewMessages(handler)
	models := handlers.NewModels()
	health := handlers.NewHealth(p)
	admin := handlers.NewAdmin(p)

	engine.POST("/v1/messages", messages.Post)
	engine.GET("/v1/models", models.List)
	engine.GET("/health", health.Get)
	engine.GET("/account-limits", admin.AccountLimits)
	engine.POST("/refresh-token", admin.RefreshToken)
	engine.POST("/trigger-reset", admin.TriggerReset)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:    addr,
			Handler: engine,
		},
		log: logging.For("Server"),
	}
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
