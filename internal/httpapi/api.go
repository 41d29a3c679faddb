// Package httpapi is the HTTP boundary: routing, middleware and the
// translation between wire payloads and the auth and users services.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"accountd/internal/auth"
	"accountd/internal/obs"
	"accountd/internal/users"
)

// ReadyProbe reports whether the service dependencies are reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the tunables the API layer needs from configuration.
type Options struct {
	Version        string
	RateLimitRPS   float64
	RateLimitBurst int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       *auth.Service
	users      *users.Service
	signer     *auth.Signer
	readyProbe ReadyProbe
	opts       Options
}

func New(authSvc *auth.Service, userSvc *users.Service, signer *auth.Signer, rp ReadyProbe, opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       authSvc,
		users:      userSvc,
		signer:     signer,
		readyProbe: rp,
		opts:       opts,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh-token", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/logout-all-sessions", a.handleLogoutAll)
	a.mux.HandleFunc("/v1/auth/forgot-password", a.handleForgotPassword)
	a.mux.HandleFunc("/v1/auth/reset-password", a.handleResetPassword)
	a.mux.HandleFunc("/v1/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/v1/auth/resend-verification", a.handleResendVerification)

	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserByID)
	a.mux.HandleFunc("/v1/users/me", a.handleMe)
	a.mux.HandleFunc("/v1/users/me/password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/users/bulk", a.handleUsersBulk)
	a.mux.HandleFunc("/v1/users/admin", a.handleCreateAdmin)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	if a.opts.RateLimitRPS > 0 {
		h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitRPS)
	}
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "accountd",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
