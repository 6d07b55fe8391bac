package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

const (
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	maxUpdateBody = 1 << 20
)

type (
	Acceptor interface {
		Accept(ctx context.Context, u *api.Update) (int, error)
	}

	Pinger interface {
		Ping(ctx context.Context) error
	}

	// Server exposes health, metrics and, in webhook mode, the Telegram webhook.
	Server struct {
		addr     string
		store    Pinger
		gatherer prometheus.Gatherer
		acceptor Acceptor
		secret   []byte

		srv *http.Server
	}
)

// New builds the server. A nil acceptor leaves /webhook unrouted.
func New(addr string, store Pinger, gatherer prometheus.Gatherer, acceptor Acceptor, secret string) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		gatherer: gatherer,
		acceptor: acceptor,
		secret:   []byte(secret),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.acceptor != nil {
		r.Post("/webhook", s.webhook)
	}
	return r
}

func (s *Server) Start(ctx context.Context) error {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ngerrors.Configuration("listen on %s: %v", s.addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.getLogEntry().WithError(err).Error("http server stopped")
		}
	}()
	s.getLogEntry().WithField("addr", listener.Addr().String()).Info("http server listening")
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.getLogEntry().WithError(err).Warn("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	entry := s.getLogEntry().WithField("method", "webhook")
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), s.secret) != 1 {
		entry.WithField("remote", r.RemoteAddr).Warn("webhook secret mismatch")
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var update api.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody)).Decode(&update); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid update"})
		return
	}

	if _, err := s.acceptor.Accept(r.Context(), &update); err != nil {
		if errors.Is(err, ngerrors.ErrMalformedEvent) {
			// redelivery would not fix it
			entry.WithError(err).Debug("ignoring malformed update")
			respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		entry.WithError(err).Error("cant publish update")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) getLogEntry() *log.Entry {
	return log.WithField("object", "Server")
}
