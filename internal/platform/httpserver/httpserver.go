// Package httpserver builds the ops HTTP server.
package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"consentline/internal/platform/config"
)

const readHeaderTimeout = 5 * time.Second

// New builds the ops server from cfg. The write timeout must exceed the ops
// router's per-request timeout so handlers can still write their error.
// Server-level errors are routed through logger at warn level.
func New(cfg config.Server, handler http.Handler, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
