package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"accountd/internal/audit"
	"accountd/internal/auth"
	"accountd/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	pair, err := a.auth.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			obs.CountLogin("invalid_credentials")
			_ = audit.LogEvent(r.Context(), "auth.login.failed", slog.String("email", req.Email))
		} else {
			obs.CountLogin("error")
		}
		writeServiceError(w, r, err)
		return
	}

	obs.CountLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", slog.String("email", req.Email))
	writeJSON(w, http.StatusOK, pair)
}

// refreshToken authenticates the request with the refresh token itself:
// the bearer value is parsed for the user id, then matched against the
// user's stored token hashes.
func (a *API) refreshToken(w http.ResponseWriter, r *http.Request) (userID, token string, ok bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return "", "", false
	}
	claims, err := a.signer.Parse(token)
	if err != nil {
		writeServiceError(w, r, err)
		return "", "", false
	}
	return claims.Subject, token, true
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, token, ok := a.refreshToken(w, r)
	if !ok {
		obs.CountRefresh("invalid")
		return
	}

	res, err := a.auth.Refresh(r.Context(), userID, token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenRevoked):
			obs.CountRefresh("revoked")
		case errors.Is(err, auth.ErrSessionExpired):
			obs.CountRefresh("expired")
		case errors.Is(err, auth.ErrInvalidRefreshToken), errors.Is(err, auth.ErrNotFound):
			obs.CountRefresh("invalid")
		default:
			obs.CountRefresh("error")
		}
		writeServiceError(w, r, err)
		return
	}

	obs.CountRefresh("success")
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, token, ok := a.refreshToken(w, r)
	if !ok {
		return
	}

	res, err := a.auth.Logout(r.Context(), userID, token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	obs.CountRevocation("single")
	_ = audit.LogEvent(r.Context(), "auth.logout", slog.String("user_id", userID))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, _, ok := a.refreshToken(w, r)
	if !ok {
		return
	}

	res, err := a.auth.LogoutAll(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	obs.CountRevocation("all")
	_ = audit.LogEvent(r.Context(), "auth.logout_all", slog.String("user_id", userID))
	writeJSON(w, http.StatusOK, res)
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}

	if err := a.users.ForgotPassword(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "if the address exists, a reset email has been sent",
	})
}

type resetPasswordRequest struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.users.ResetPassword(r.Context(), req.Email, req.Token, req.Password); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_reset", slog.String("email", req.Email))
	writeJSON(w, http.StatusOK, map[string]any{"message": "password updated"})
}

type verifyEmailRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.users.VerifyEmail(r.Context(), req.UserID, req.Token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "email verified"})
}

type resendVerificationRequest struct {
	Email string `json:"email"`
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resendVerificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.users.ResendVerification(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "verification email sent"})
}
