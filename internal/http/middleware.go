package http

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lingogate/internal/translation"
)

const (
	clientCookie    = "lg_client"
	clientCookieTTL = 365 * 24 * time.Hour
)

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cross-Origin-Opener-Policy", "same-origin-allow-popups")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

// clientID returns the browser's translation client ID and whether the browser
// presented it. A new ID is assigned when the cookie is missing or malformed.
func (s *Server) clientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if c, err := r.Cookie(clientCookie); err == nil {
		if _, parseErr := uuid.Parse(c.Value); parseErr == nil {
			return c.Value, true
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(clientCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.config.Session.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return id, false
}

// translations bootstraps locale for the requesting client and waits for it.
// Clients without a cookie yet are served by a throwaway bootstrapper and only
// enter the registry once they return with the cookie.
func (s *Server) translations(w http.ResponseWriter, r *http.Request, locale string) (*translation.Instance, error) {
	id, known := s.clientID(w, r)
	if !known {
		return s.awaitDetached(r, locale)
	}

	inst, err := s.registry.Get(id).Await(r.Context(), locale)
	if errors.Is(err, translation.ErrClosed) {
		s.logger.Debug("Client evicted during translation load",
			zap.String("client", id),
			zap.String("locale", locale))
		return s.awaitDetached(r, locale)
	}
	return inst, err
}

func (s *Server) awaitDetached(r *http.Request, locale string) (*translation.Instance, error) {
	b := s.newBootstrapper()
	defer b.Close()
	return b.Await(r.Context(), locale)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow applies the per-client attempt limit of operation.
func (s *Server) allow(operation string, r *http.Request) bool {
	if s.flood == nil {
		return true
	}
	if s.flood.Allow(operation, clientAddr(r)) {
		return true
	}
	s.metrics.RecordAuthAttempt(operation, resultThrottled)
	s.logger.Info("Throttled credential attempt",
		zap.String("operation", operation),
		zap.String("client", clientAddr(r)))
	return false
}
