// Package http serves the localized pages, the auth callbacks and the
// operational endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"lingogate/internal/core"
	"lingogate/internal/flood"
	"lingogate/internal/i18n"
	"lingogate/internal/identity"
	"lingogate/internal/identity/google"
	"lingogate/internal/locale"
	"lingogate/internal/session"
	"lingogate/internal/store"
	"lingogate/internal/translation"
)

// nonceCapacity is how many consumed OAuth states are remembered.
const nonceCapacity = 10000

// EmailConfirmer is implemented by providers that verify email links themselves.
type EmailConfirmer interface {
	ConfirmEmail(ctx context.Context, token string) (*identity.Account, error)
}

// PasswordResetter is implemented by providers that serve their own reset links.
type PasswordResetter interface {
	VerifyPasswordResetCode(ctx context.Context, token string) (string, error)
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
}

// Dependencies are the collaborators the server routes requests to.
type Dependencies struct {
	Settings  *i18n.Settings
	Builder   translation.InstanceBuilder
	Identity  identity.Provider
	Sessions  *session.Manager
	Floodgate *flood.Floodgate
	Nonces    *store.NonceStore
	// Google is nil when federated sign-in is not configured.
	Google *google.Flow
	// Bundles is served under /locales/ when set.
	Bundles fs.FS
}

type Server struct {
	config    *core.Config
	logger    *zap.Logger
	server    *http.Server
	metrics   *Metrics
	templates *templates

	settings  *i18n.Settings
	resolver  *locale.Resolver
	registry  *translation.Registry
	identity  identity.Provider
	confirmer EmailConfirmer
	resetter  PasswordResetter
	sessions  *session.Manager
	flood     *flood.Floodgate
	nonces    *store.NonceStore
	google    *google.Flow
	bundles   fs.FS

	// newBootstrapper builds bootstrappers for the registry and for requests
	// served outside it.
	newBootstrapper func() *translation.Bootstrapper
}

func NewServer(config *core.Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if deps.Settings == nil || deps.Builder == nil || deps.Identity == nil || deps.Sessions == nil {
		return nil, errors.New("settings, translation builder, identity provider and sessions are required")
	}

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}

	metrics := newMetrics()

	s := &Server{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		templates: tmpl,
		settings:  deps.Settings,
		identity:  deps.Identity,
		sessions:  deps.Sessions,
		flood:     deps.Floodgate,
		nonces:    deps.Nonces,
		google:    deps.Google,
		bundles:   deps.Bundles,
	}
	if c, ok := deps.Identity.(EmailConfirmer); ok {
		s.confirmer = c
	}
	if r, ok := deps.Identity.(PasswordResetter); ok {
		s.resetter = r
	}
	if s.nonces == nil {
		s.nonces = store.NewNonceStore(nonceCapacity, 0.001)
	}

	s.resolver = locale.NewResolver(deps.Settings, logger.Named("locale"),
		locale.WithRedirectObserver(metrics.RecordLocaleRedirect))

	translationLogger := logger.Named("translation")
	s.newBootstrapper = func() *translation.Bootstrapper {
		return translation.NewBootstrapper(deps.Settings, deps.Builder, translationLogger,
			translation.WithLoadTimeout(config.Translation.LoadTimeout),
			translation.WithLoadObserver(metrics.RecordTranslationLoad))
	}
	s.registry, err = translation.NewRegistry(config.Translation.MaxClients, s.newBootstrapper,
		metrics.SetTranslationClients)
	if err != nil {
		return nil, err
	}

	s.server = createHTTPServer(&config.Server, s.routes())
	return s, nil
}

func createHTTPServer(config *core.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
}

func (s *Server) routes() http.Handler {
	pages := http.NewServeMux()
	pages.HandleFunc("GET /{locale}", s.page(s.handleHome))
	pages.HandleFunc("GET /{locale}/login", s.page(s.handleLoginForm))
	pages.HandleFunc("POST /{locale}/login", s.page(s.handleLogin))
	pages.HandleFunc("POST /{locale}/verification", s.page(s.handleResendVerification))
	pages.HandleFunc("GET /{locale}/forgot-password", s.page(s.handleForgotForm))
	pages.HandleFunc("POST /{locale}/forgot-password", s.page(s.handleForgot))
	if s.resetter != nil {
		pages.HandleFunc("GET /{locale}/reset-password", s.page(s.handleResetForm))
		pages.HandleFunc("POST /{locale}/reset-password", s.page(s.handleReset))
	}
	pages.HandleFunc("POST /{locale}/logout", s.page(s.handleLogout))
	pages.HandleFunc("GET /{locale}/auth/google", s.page(s.handleGoogleStart))
	pages.HandleFunc("/", s.page(s.handleNotFound))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler("ok"))
	mux.HandleFunc("GET /readyz", healthHandler("ready"))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	if s.bundles != nil {
		mux.Handle("GET /locales/", http.FileServerFS(s.bundles))
	}

	mux.Handle("GET /api/translation/state", noStore(http.HandlerFunc(s.handleTranslationState)))
	mux.Handle("GET /api/auth/google/callback", noStore(http.HandlerFunc(s.handleGoogleCallback)))
	if s.confirmer != nil {
		mux.Handle("GET /api/auth/verify", noStore(http.HandlerFunc(s.handleVerifyEmail)))
	}

	mux.Handle("/", noStore(s.resolver.Middleware(s.sessions.Middleware(pages))))

	return secureHeaders(mux)
}

func healthHandler(status string) http.HandlerFunc {
	body := []byte(`{"status":"` + status + `","service":"lingogate"}`)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
		s.registry.Close()
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Close releases every translation bootstrapper without stopping the listener.
func (s *Server) Close() {
	s.registry.Close()
}
