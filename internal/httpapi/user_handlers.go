package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"accountd/internal/audit"
	"accountd/internal/users"
)

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleSignup(w, r)
	case http.MethodGet:
		a.handleListUsers(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req users.CreateUserInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	u, err := a.users.Signup(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.created", slog.String("new_user_id", u.ID))
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	list, err := a.users.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": list})
}

// handleUserByID serves /v1/users/{id}.
func (a *API) handleUserByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	// Non-admins may only touch their own record.
	if !p.IsAdmin() && p.UserID != id {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}

	switch r.Method {
	case http.MethodGet:
		u, err := a.users.Find(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)

	case http.MethodPatch:
		var req users.UpdateUserInput
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		u, err := a.users.Update(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)

	case http.MethodDelete:
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		if err := a.users.Delete(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "users.deleted", slog.String("deleted_user_id", id))
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	u, err := a.users.Find(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.users.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.password_changed")
	writeJSON(w, http.StatusOK, map[string]any{"message": "password updated"})
}

type bulkCreateRequest struct {
	Users []users.CreateUserInput `json:"users"`
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

func (a *API) handleUsersBulk(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req bulkCreateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		created, err := a.users.CreateMany(r.Context(), req.Users)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "users.bulk_created", slog.Int("count", len(created)))
		writeJSON(w, http.StatusCreated, map[string]any{"users": created})

	case http.MethodDelete:
		var req bulkDeleteRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.users.DeleteMany(r.Context(), req.IDs); err != nil {
			writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "users.bulk_deleted", slog.Int("count", len(req.IDs)))
		writeJSON(w, http.StatusOK, map[string]any{"deleted": len(req.IDs)})

	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleCreateAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req users.CreateUserInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Role enforcement happens in the service against the principal.
	u, err := a.users.CreateAdmin(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.admin_created", slog.String("new_user_id", u.ID))
	writeJSON(w, http.StatusCreated, u)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
