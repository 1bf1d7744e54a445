package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"zippcall/internal/service"
)

type Options struct {
	JWTSecret    string
	AdminToken   string
	EventTimeout time.Duration
}

type Server struct {
	srv *http.Server
}

func NewServer(addr string, svc service.LedgerService, opts Options) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(svc, opts),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: opts.EventTimeout + 5*time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// NewRouter builds the chi router. Webhooks are authenticated by signature, /v1 by a user JWT
// and /admin by the static admin token.
func NewRouter(svc service.LedgerService, opts Options) http.Handler {
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 10 * time.Second
	}
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.EventTimeout))

	r.Get("/health", h.Health)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/payments", h.PaymentWebhook)
		r.Post("/calls", h.CallWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/rates", h.ListRates)
		r.Get("/rates/{destination}", h.GetRate)
		r.Post("/calls/quote", h.QuoteCall)

		r.Group(func(r chi.Router) {
			r.Use(UserAuth([]byte(opts.JWTSecret), svc))
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/calls/authorize", h.AuthorizeCall)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuth(opts.AdminToken))
		r.Put("/rates", h.ReplaceRates)
		r.Post("/adjustments", h.Adjust)
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
