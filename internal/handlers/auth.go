package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/usersapi/apiserver/types"
)

// Authenticator resolves a bearer token to the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (types.Identity, error)
}

// RequireAuth enforces bearer authentication and injects the identity into
// the request context.
func RequireAuth(authenticator Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Not authorized")
				return
			}

			id, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Not authorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// TokenIdentifier resolves a bearer token by signature and expiry alone,
// without requiring it to be the active session.
type TokenIdentifier interface {
	Identify(ctx context.Context, token string) (types.Identity, error)
}

// RequireSignedToken is RequireAuth for routes that must keep working after
// the session was ended, such as logout.
func RequireSignedToken(identifier TokenIdentifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Not authorized")
				return
			}

			id, err := identifier.Identify(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Not authorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
