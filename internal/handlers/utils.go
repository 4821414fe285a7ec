package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/usersapi/apiserver/internal/logging"
	"github.com/usersapi/apiserver/internal/services"
	"github.com/usersapi/apiserver/types"
)

type contextKey string

const contextIdentityKey contextKey = "identity"

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse acknowledges an action that returns no data.
type MessageResponse struct {
	Message string `json:"message"`
}

func withIdentity(ctx context.Context, id types.Identity) context.Context {
	return context.WithValue(ctx, contextIdentityKey, id)
}

func identityFromContext(ctx context.Context) (types.Identity, error) {
	id, ok := ctx.Value(contextIdentityKey).(types.Identity)
	if !ok || id.AccountID == "" {
		return types.Identity{}, errors.New("missing identity")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps AccountService errors to a status and a stable
// message. Unknown errors are logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	switch {
	case errors.Is(err, services.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrEmailInUse):
		writeError(w, http.StatusConflict, "Email in use")
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Email or password is wrong")
	case errors.Is(err, services.ErrNotAuthorized):
		writeError(w, http.StatusUnauthorized, "Not authorized")
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, services.ErrAlreadyVerified):
		writeError(w, http.StatusBadRequest, "Verification has already been passed")
	case errors.Is(err, services.ErrNoFile):
		writeError(w, http.StatusBadRequest, "No file provided")
	case errors.Is(err, services.ErrProcessing):
		log.Error(r.Context(), "avatar processing failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	case errors.Is(err, services.ErrDispatch):
		log.Error(r.Context(), "mail dispatch failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Verification email could not be sent")
	default:
		log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Server Error")
	}
}
