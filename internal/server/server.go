package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/usersapi/apiserver/config"
	"github.com/usersapi/apiserver/internal/auth"
	"github.com/usersapi/apiserver/internal/avatar"
	"github.com/usersapi/apiserver/internal/handlers"
	"github.com/usersapi/apiserver/internal/logging"
	"github.com/usersapi/apiserver/internal/services"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	log        logging.Logger
	closers    []closer
}

// New constructs a Server with basic middleware and defaults.
func New(ctx context.Context, cfg config.Config, log logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.Nop()
	}

	jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if jwtSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	s := &Server{log: log}

	repo, closeRepo, err := newAccountRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.addCloser(closeRepo)

	mailer, closeMailer, err := newMailer(ctx, cfg, log)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.addCloser(closeMailer)

	avatars, closeAvatars, err := newAvatarStorage(ctx, cfg.Avatar)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.addCloser(closeAvatars)

	accounts := services.NewAccountService(services.AccountDeps{
		Repo:          repo,
		Hasher:        auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		Tokens:        auth.NewJWTIssuer(jwtSecret),
		Mailer:        mailer,
		Resizer:       avatar.NewResizer(),
		Avatars:       avatars,
		DefaultAvatar: avatar.NewGravatar(),
		Log:           log,
	}, services.AccountOptions{
		BaseURL:    cfg.PublicURL,
		TokenTTL:   cfg.Auth.TokenTTL,
		AvatarSize: cfg.Avatar.Size,
	})

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Route("/users", func(r chi.Router) {
		handlers.UserRouter(r, handlers.NewUserHandler(accounts, log, cfg.Avatar.MaxBytes))
	})
	router.Route("/avatars", func(r chi.Router) {
		handlers.AvatarRouter(r, avatars, log)
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info(ctx, "server configured",
		"port", port,
		"store", cfg.StoreBackend,
		"mail_transport", cfg.Mail.Transport,
		"avatar_storage", cfg.Avatar.Storage,
		"avatar_bucket", avatars.Bucket(),
	)
	return s, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info(context.Background(), "listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and releases backends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	return errors.Join(err, s.close())
}

func (s *Server) addCloser(c closer) {
	if c != nil {
		s.closers = append(s.closers, c)
	}
}

func (s *Server) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
