// Package httpapi exposes the reward engine over a chi router.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	wsadapter "rewardkit/adapters/websocket"
	"rewardkit/engine"
	"rewardkit/logging"
	"rewardkit/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables CORS for the comma separated origins (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// Logger is the base request logger; defaults to a no-op logger.
	Logger *zerolog.Logger
}

type api struct {
	svc      *engine.Service
	validate *validator.Validate
}

// NewMux builds an http.Handler exposing the reward REST API and WebSocket stream.
// Routes (relative to the prefix):
//   - POST /users/{id}/ledger            append a ledger entry
//   - GET  /users/{id}/ledger            list entries
//   - GET  /users/{id}/balance           authoritative and cached balance
//   - POST /users/{id}/ledger/reconcile  repair the cached balance
//   - POST /users/{id}/activity          record an activity
//   - GET  /users/{id}/badges            list grants
//   - POST /users/{id}/badges/{badge}/evaluate|approve|revoke
//   - GET  /users/{id}/badges/{badge}/explain
//   - GET  /users/{id}/quests/{quest}
//   - POST /users/{id}/quests/{quest}/progress|check
//   - GET  /badges, GET /badges/pending
//   - GET  /healthz
//   - WS   /ws
func NewMux(svc *engine.Service, hub *realtime.Hub, opts Options) http.Handler {
	a := &api{svc: svc, validate: newValidator()}
	base := opts.Logger
	if base == nil {
		base = logging.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(base))
	r.Use(middleware.Recoverer)
	if opts.AllowCORSOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: splitList(opts.AllowCORSOrigin),
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
			MaxAge:         300,
		}))
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		r.Use(newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst).handler)
	}

	routes := func(r chi.Router) {
		r.Get("/healthz", a.health)
		if hub != nil {
			r.Handle("/ws", wsadapter.Handler(hub))
		}
		r.Group(func(r chi.Router) {
			if len(opts.APIKeys) > 0 {
				r.Use(apiKeyAuth(opts.APIKeys))
			}
			r.Get("/badges", a.listBadges)
			r.Get("/badges/pending", a.pendingGrants)
			r.Route("/users/{id}", func(r chi.Router) {
				r.Post("/ledger", a.appendLedger)
				r.Get("/ledger", a.ledgerEntries)
				r.Post("/ledger/reconcile", a.reconcileLedger)
				r.Get("/balance", a.balance)
				r.Post("/activity", a.recordActivity)
				r.Get("/badges", a.userGrants)
				r.Post("/badges/{badge}/evaluate", a.evaluateBadge)
				r.Post("/badges/{badge}/approve", a.approveBadge)
				r.Post("/badges/{badge}/revoke", a.revokeBadge)
				r.Get("/badges/{badge}/explain", a.explainBadge)
				r.Get("/quests/{quest}", a.questState)
				r.Post("/quests/{quest}/progress", a.advanceQuest)
				r.Post("/quests/{quest}/check", a.checkQuest)
			})
		})
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		})
	}

	prefix := strings.TrimSuffix(opts.PathPrefix, "/")
	if prefix == "" {
		routes(r)
	} else {
		r.Route(prefix, routes)
	}
	return r
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
