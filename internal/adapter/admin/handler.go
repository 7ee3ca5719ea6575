// Package admin provides sentrywire's loopback-only operational HTTP
// surface: liveness, Prometheus exposition, and a token-gated reload
// trigger. It never sits on the proxy data path.
package admin

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/alexedwards/argon2id"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves /healthz, /metrics, and /reload.
type Handler struct {
	logger    *slog.Logger
	tokenHash string
	onReload  func() bool
	registry  *prometheus.Registry
}

// New builds the admin Handler. tokenHash is the argon2id hash
// /reload's bearer token must match; an empty tokenHash makes /reload
// always return 403. onReload is called to perform the actual reload.
// registry is exposed at /metrics.
func New(logger *slog.Logger, tokenHash string, onReload func() bool, registry *prometheus.Registry) *Handler {
	return &Handler{
		logger:    logger,
		tokenHash: tokenHash,
		onReload:  onReload,
		registry:  registry,
	}
}

// Routes returns the admin surface's mux. Callers bind it to a
// loopback-only listener (config.Config.AdminAddr).
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{Registry: h.registry}))
	mux.HandleFunc("/reload", h.handleReload)
	return h.requireLoopback(mux)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if ok := h.onReload(); !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("reload completed with errors; see logs"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("reloaded"))
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.tokenHash == "" {
		return false
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	token := auth[len(prefix):]
	return h.safeCompare(token)
}

// safeCompare wraps argon2id.ComparePasswordAndHash in panic recovery: the
// underlying argon2 library panics on a malformed PHC-format hash rather
// than returning an error, and tokenHash ultimately comes from operator
// configuration.
func (h *Handler) safeCompare(token string) (match bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("admin token comparison panicked", "panic", r)
			match = false
		}
	}()
	ok, err := argon2id.ComparePasswordAndHash(token, h.tokenHash)
	if err != nil {
		h.logger.Warn("admin token comparison failed", "error", err)
		return false
	}
	return ok
}

// requireLoopback enforces that the admin surface only ever answers
// loopback callers, even if AdminAddr is accidentally bound non-locally.
func (h *Handler) requireLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if host != "127.0.0.1" && host != "::1" && host != "localhost" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
