// Package httpserver is the webhook-facing HTTP surface of §6: Robokassa's
// Result URL and the optional Stripe Checkout webhook. Grounded on the
// teacher's internal/http-server/api.Server (chi router, timeout/RequestID/
// Recoverer middleware stack, NotFound/NotAllowed, graceful Shutdown);
// simplified by dropping the authenticate middleware, since both routes carry
// their own signature verification instead of a bearer token.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"tgfleet/internal/httpserver/handlers/errors"
	"tgfleet/internal/httpserver/middleware/timeout"
	"tgfleet/lib/sl"
)

type Config struct {
	BindIp string
	Port   string
}

// ShutdownTimeout bounds how long the in-flight webhook handlers get to
// finish once a shutdown signal arrives.
const ShutdownTimeout = 10 * time.Second

// Server wraps the webhook listener.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// New builds and starts the server. robokassa is required; stripe may be nil
// when the operator has not enabled card top-ups (§6's secondary rail).
func New(conf Config, log *slog.Logger, robokassa http.Handler, stripe http.Handler) (*Server, error) {
	s := &Server{log: log.With(sl.Module("httpserver"))}

	router := chi.NewRouter()
	router.Use(timeout.Timeout(30 * time.Second))
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(errors.NotFound(log))
	router.MethodNotAllowed(errors.NotAllowed(log))

	router.Route("/webhook", func(wh chi.Router) {
		wh.Post("/robokassa", robokassa.ServeHTTP)
		if stripe != nil {
			wh.Post("/stripe", stripe.ServeHTTP)
		}
	})

	address := fmt.Sprintf("%s:%s", conf.BindIp, conf.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}

	s.httpServer = &http.Server{
		Handler:      router,
		ErrorLog:     slog.NewLogLogger(log.Handler(), slog.LevelError),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("starting webhook server", slog.String("address", address))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", sl.Err(err))
		}
	}()

	return s, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down webhook server")
	return s.httpServer.Shutdown(ctx)
}
