package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/usersapi/apiserver/internal/logging"
	"github.com/usersapi/apiserver/internal/services"
)

const (
	formFieldAvatar    = "avatar"
	maxMultipartMemory = 8 << 20
	maxJSONBodyBytes   = 1 << 20

	// DefaultMaxAvatarBytes caps avatar uploads unless configured otherwise.
	DefaultMaxAvatarBytes = 5 << 20
)

// UserHandler provides the account HTTP endpoints.
type UserHandler struct {
	accounts       *services.AccountService
	log            logging.Logger
	maxAvatarBytes int64
}

// NewUserHandler constructs a UserHandler. A non-positive maxAvatarBytes
// selects DefaultMaxAvatarBytes.
func NewUserHandler(accounts *services.AccountService, log logging.Logger, maxAvatarBytes int64) *UserHandler {
	if maxAvatarBytes <= 0 {
		maxAvatarBytes = DefaultMaxAvatarBytes
	}
	if log == nil {
		log = logging.Nop()
	}
	return &UserHandler{
		accounts:       accounts,
		log:            log,
		maxAvatarBytes: maxAvatarBytes,
	}
}

// UserRouter registers account routes on the given router.
func UserRouter(r chi.Router, handler *UserHandler) {
	authMiddleware := RequireAuth(handler.accounts)

	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
	r.Get("/verify/{verificationToken}", handler.VerifyEmail)
	r.Post("/verify", handler.ResendVerification)

	r.With(RequireSignedToken(handler.accounts)).Get("/logout", handler.Logout)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/current", handler.Current)
		r.Patch("/avatars", handler.UpdateAvatar)
		r.Patch("/", handler.UpdateSubscription)
	})
}

// Register creates an account and mails its verification link.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.accounts.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{
		User:             result.Profile,
		VerificationSent: result.VerificationSent,
	})
}

// Login verifies credentials and returns a session token.
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, profile, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, User: profile})
}

// Logout ends the caller's session.
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	if err := h.accounts.Logout(r.Context(), id); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Logout success"})
}

// Current returns the caller's profile.
func (h *UserHandler) Current(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	profile, err := h.accounts.CurrentProfile(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// UpdateAvatar replaces the caller's avatar with the uploaded image.
func (h *UserHandler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	upload, err := h.readAvatar(w, r)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	avatarURL, err := h.accounts.UpdateAvatar(r.Context(), id, upload)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, AvatarResponse{AvatarURL: avatarURL})
}

// UpdateSubscription changes the caller's plan.
func (h *UserHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	var req SubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile, err := h.accounts.UpdateSubscription(r.Context(), id, req.Subscription)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// VerifyEmail consumes the token from a verification link.
func (h *UserHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "verificationToken")
	if err := h.accounts.VerifyEmail(r.Context(), token); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Verification successful"})
}

// ResendVerification mails the verification link again.
func (h *UserHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req ResendVerificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.accounts.ResendVerification(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Verification email sent"})
}

// readAvatar extracts the "avatar" multipart file. A missing file is
// reported as services.ErrNoFile.
func (h *UserHandler) readAvatar(w http.ResponseWriter, r *http.Request) (services.AvatarUpload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxAvatarBytes+maxMultipartMemory)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return services.AvatarUpload{}, fmt.Errorf("%w: upload too large", services.ErrValidation)
		}
		return services.AvatarUpload{}, services.ErrNoFile
	}

	file, header, err := r.FormFile(formFieldAvatar)
	if err != nil {
		return services.AvatarUpload{}, services.ErrNoFile
	}
	defer file.Close()

	data, err := readFileLimited(file, h.maxAvatarBytes)
	if err != nil {
		return services.AvatarUpload{}, err
	}

	return services.AvatarUpload{Filename: header.Filename, Data: data}, nil
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: upload too large", services.ErrValidation)
	}
	return data, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
