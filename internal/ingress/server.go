// Package ingress is the HTTP surface that receives trade lifecycle events
// from the upstream source and fans them out to the replicator.
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/dedup"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/httputil"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/replicator"
)

// Server is the HTTP ingress: trade-event intake plus health endpoints.
type Server struct {
	replicator   *replicator.Replicator
	dedup        *dedup.Filter
	tokenHash    []byte
	log          zerolog.Logger
	accountCount int
	readyCount   atomic.Int64
}

// New builds a Server. tokenHash is the bcrypt hash of the shared ingress
// secret; a request without a matching X-Ingress-Token header is rejected
// before it ever reaches dedup/routing; an empty tokenHash disables the check
// entirely. accountCount is the number of enabled
// accounts the readiness probe expects to observe reaching "ready".
func New(r *replicator.Replicator, dedupFilter *dedup.Filter, tokenHash string, accountCount int, log zerolog.Logger) *Server {
	return &Server{
		replicator:   r,
		dedup:        dedupFilter,
		tokenHash:    []byte(tokenHash),
		log:          log,
		accountCount: accountCount,
	}
}

// NotifyAccountReady is called once per account the first time its session
// reaches the Ready phase, driving the readiness probe.
func (s *Server) NotifyAccountReady() {
	s.readyCount.Add(1)
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.With(s.requireToken).Post("/", s.handleEvent)

	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokenHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Ingress-Token")
		if token == "" || bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if int(s.readyCount.Load()) < s.accountCount {
		httputil.WriteError(w, http.StatusServiceUnavailable, "not all accounts are ready")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var raw rawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}

	key := dedup.Key{EventKind: raw.kind(), Ticket: raw.Ticket, Symbol: raw.dedupSymbol()}
	if s.dedup.Seen(key) {
		s.log.Info().Str("kind", key.EventKind).Int64("ticket", key.Ticket).Msg("dropped duplicate trade event")
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "duplicate suppressed"})
		return
	}

	event, err := toEvent(raw)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	s.replicator.Handle(ctx, event)

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "trade event processed"})
}
