// Package session keeps signed-in state in HS256-signed JWT cookies.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"lingogate/internal/identity"
)

// Cookie names.
const (
	CookieSession = "lg_session"
	CookiePending = "lg_pending"
	CookieOAuth   = "lg_oauth"
)

const (
	issuer = "lingogate"

	audienceSession = "session"
	audiencePending = "pending"
	audienceOAuth   = "oauth"

	pendingTTL = 15 * time.Minute
	oauthTTL   = 10 * time.Minute

	minSecretLength = 16
)

// ErrNoSession is returned when the request carries no valid cookie of the requested kind.
var ErrNoSession = errors.New("no session")

// Claims describe a signed-in user.
type Claims struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Provider      string `json:"provider,omitempty"`
	// IDToken is the provider token to revoke on sign-out.
	IDToken string `json:"id_token,omitempty"`
	jwt.RegisteredClaims
}

// Pending remembers an unverified sign-in so a new verification email can be requested.
type Pending struct {
	UID     string `json:"uid"`
	Email   string `json:"email"`
	IDToken string `json:"id_token"`
	jwt.RegisteredClaims
}

// OAuthState binds an authorization redirect to the browser that started it.
type OAuthState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	Locale   string `json:"locale"`
	jwt.RegisteredClaims
}

// Config holds the cookie settings.
type Config struct {
	Secret string
	TTL    time.Duration
	Secure bool
}

// Manager issues and reads session cookies.
type Manager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewManager validates cfg and creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session TTL must be positive")
	}
	return &Manager{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		secure: cfg.Secure,
		now:    time.Now,
	}, nil
}

func (m *Manager) registered(audience string, ttl time.Duration, subject string) jwt.RegisteredClaims {
	now := m.now()
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (m *Manager) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) parse(raw, audience string, claims jwt.Claims) error {
	t, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return err
	}
	if !t.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (m *Manager) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) read(r *http.Request, name, audience string, claims jwt.Claims) error {
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return ErrNoSession
	}
	if err := m.parse(c.Value, audience, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return nil
}

// Issue signs s into the session cookie and drops any pending sign-in.
func (m *Manager) Issue(w http.ResponseWriter, s *identity.Session) error {
	token, err := m.sign(&Claims{
		UID:              s.Account.UID,
		Email:            s.Account.Email,
		EmailVerified:    s.Account.EmailVerified,
		Provider:         s.Account.Provider,
		IDToken:          s.IDToken,
		RegisteredClaims: m.registered(audienceSession, m.ttl, s.Account.UID),
	})
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	m.setCookie(w, CookieSession, token, m.ttl)
	m.clearCookie(w, CookiePending)
	return nil
}

// Read returns the session claims of r.
func (m *Manager) Read(r *http.Request) (*Claims, error) {
	var claims Claims
	if err := m.read(r, CookieSession, audienceSession, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// Clear removes every cookie the manager owns.
func (m *Manager) Clear(w http.ResponseWriter) {
	m.clearCookie(w, CookieSession)
	m.clearCookie(w, CookiePending)
}

// IssuePending stores s so that its verification email can be resent.
func (m *Manager) IssuePending(w http.ResponseWriter, s *identity.Session) error {
	token, err := m.sign(&Pending{
		UID:              s.Account.UID,
		Email:            s.Account.Email,
		IDToken:          s.IDToken,
		RegisteredClaims: m.registered(audiencePending, pendingTTL, s.Account.UID),
	})
	if err != nil {
		return fmt.Errorf("sign pending session: %w", err)
	}
	m.setCookie(w, CookiePending, token, pendingTTL)
	return nil
}

// ReadPending returns the pending sign-in of r as a provider session.
func (m *Manager) ReadPending(r *http.Request) (*identity.Session, error) {
	var p Pending
	if err := m.read(r, CookiePending, audiencePending, &p); err != nil {
		return nil, err
	}
	return &identity.Session{
		Account: identity.Account{UID: p.UID, Email: p.Email},
		IDToken: p.IDToken,
	}, nil
}

// IssueOAuth remembers the state, PKCE verifier and locale of an authorization redirect.
func (m *Manager) IssueOAuth(w http.ResponseWriter, state, verifier, locale string) error {
	token, err := m.sign(&OAuthState{
		State:            state,
		Verifier:         verifier,
		Locale:           locale,
		RegisteredClaims: m.registered(audienceOAuth, oauthTTL, ""),
	})
	if err != nil {
		return fmt.Errorf("sign oauth state: %w", err)
	}
	m.setCookie(w, CookieOAuth, token, oauthTTL)
	return nil
}

// ConsumeOAuth reads and clears the authorization state cookie.
func (m *Manager) ConsumeOAuth(w http.ResponseWriter, r *http.Request) (*OAuthState, error) {
	var st OAuthState
	err := m.read(r, CookieOAuth, audienceOAuth, &st)
	m.clearCookie(w, CookieOAuth)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

type ctxKey struct{}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the claims stored by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}

// Middleware attaches valid session claims to the request context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := m.Read(r); err == nil {
			r = r.WithContext(WithClaims(r.Context(), c))
		}
		next.ServeHTTP(w, r)
	})
}
