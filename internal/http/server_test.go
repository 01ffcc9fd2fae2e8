package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lingogate/internal/core"
	"lingogate/internal/flood"
	"lingogate/internal/i18n"
	"lingogate/internal/identity"
	"lingogate/internal/session"
	"lingogate/internal/translation"
)

const testRemoteAddr = "192.0.2.10:40000"

type fakeProvider struct {
	mu sync.Mutex

	signIn      func(email, password string) (*identity.Session, error)
	signUp      func(email, password, locale string) (*identity.Session, error)
	resetErr    error
	resetCalls  []string
	verifyCalls []string
	signOuts    []string
	signInCalls int
}

func (f *fakeProvider) SignUp(_ context.Context, email, password, locale string) (*identity.Session, error) {
	if f.signUp != nil {
		return f.signUp(email, password, locale)
	}
	return &identity.Session{Account: identity.Account{UID: "u1", Email: email, Locale: locale}, IDToken: "id-1"}, nil
}

func (f *fakeProvider) SignIn(_ context.Context, email, password string) (*identity.Session, error) {
	f.mu.Lock()
	f.signInCalls++
	f.mu.Unlock()
	if f.signIn != nil {
		return f.signIn(email, password)
	}
	return &identity.Session{Account: identity.Account{UID: "u1", Email: email, EmailVerified: true}}, nil
}

func (f *fakeProvider) SignInWithIDP(context.Context, identity.FederatedCredential) (*identity.Session, error) {
	return nil, identity.NewError("signInWithIdp", identity.CodeOperationNotAllowed, nil)
}

func (f *fakeProvider) SignOut(_ context.Context, s *identity.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts = append(f.signOuts, s.Account.UID+"|"+s.IDToken)
	return nil
}

func (f *fakeProvider) SendPasswordReset(_ context.Context, email, locale string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, email+"|"+locale)
	return f.resetErr
}

func (f *fakeProvider) SendVerificationEmail(_ context.Context, s *identity.Session, locale string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls = append(f.verifyCalls, s.IDToken+"|"+locale)
	return nil
}

// confirmingProvider also verifies email links.
type confirmingProvider struct {
	fakeProvider
}

func (c *confirmingProvider) ConfirmEmail(_ context.Context, token string) (*identity.Account, error) {
	if token != "good" {
		return nil, identity.NewError("applyActionCode", identity.CodeExpiredActionCode, nil)
	}
	return &identity.Account{UID: "u1", EmailVerified: true}, nil
}

// resettingProvider also serves password reset links. Only "reset-1" is valid.
type resettingProvider struct {
	fakeProvider
	resets []string
}

func (p *resettingProvider) VerifyPasswordResetCode(_ context.Context, token string) (string, error) {
	if token != "reset-1" {
		return "", identity.NewError("verifyPasswordResetCode", identity.CodeExpiredActionCode, nil)
	}
	return "ana@example.com", nil
}

func (p *resettingProvider) ConfirmPasswordReset(_ context.Context, token, newPassword string) error {
	if token != "reset-1" {
		return identity.NewError("resetPassword", identity.CodeExpiredActionCode, nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets = append(p.resets, token+"|"+newPassword)
	return nil
}

type failingBuilder struct{}

func (failingBuilder) New(context.Context, string) (*translation.Instance, error) {
	return nil, errors.New("bundle host unreachable")
}

// slowBuilder delays every load so that requests overlap.
type slowBuilder struct {
	next  translation.InstanceBuilder
	delay time.Duration
}

func (b slowBuilder) New(ctx context.Context, locale string) (*translation.Instance, error) {
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.next.New(ctx, locale)
}

// stallingBuilder holds the first load of locale until its context ends.
type stallingBuilder struct {
	next    translation.InstanceBuilder
	locale  string
	stalled atomic.Bool
	started chan struct{}
}

func (b *stallingBuilder) New(ctx context.Context, locale string) (*translation.Instance, error) {
	if locale == b.locale && b.stalled.CompareAndSwap(false, true) {
		close(b.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.next.New(ctx, locale)
}

type testEnv struct {
	server   *Server
	provider identity.Provider
	sessions *session.Manager
}

func newTestEnv(t *testing.T, provider identity.Provider, configure func(*core.Config, *Dependencies)) *testEnv {
	t.Helper()

	config := core.DefaultConfig()
	settings, err := i18n.NewSettings(config.Locale.Locales, config.Locale.Default)
	if err != nil {
		t.Fatalf("NewSettings() error = %v", err)
	}
	sessions, err := session.NewManager(session.Config{Secret: "0123456789abcdef0123456789abcdef", TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	deps := Dependencies{
		Settings: settings,
		Builder: translation.NewFactory(
			translation.NewFSLoader(i18n.Bundles(), config.Translation.PathTemplate),
			config.Locale.Default, config.Translation.Namespace, config.Translation.PathTemplate, zap.NewNop()),
		Identity: provider,
		Sessions: sessions,
		Bundles:  i18n.Bundles(),
	}
	if configure != nil {
		configure(config, &deps)
	}

	s, err := NewServer(config, deps, zap.NewNop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(s.Close)

	return &testEnv{server: s, provider: provider, sessions: sessions}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = testRemoteAddr
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return e.do(req)
}

func (e *testEnv) post(path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return e.do(req)
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCreateHTTPServer(t *testing.T) {
	config := &core.ServerConfig{
		Host:         "0.0.0.0",
		Port:         9090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	mux := http.NewServeMux()
	server := createHTTPServer(config, mux)

	if server.Addr != "0.0.0.0:9090" {
		t.Errorf("createHTTPServer() Addr = %q, expected %q", server.Addr, "0.0.0.0:9090")
	}
	if server.Handler != mux {
		t.Errorf("createHTTPServer() Handler mismatch")
	}
	if server.ReadTimeout != config.ReadTimeout {
		t.Errorf("createHTTPServer() ReadTimeout = %v, expected %v", server.ReadTimeout, config.ReadTimeout)
	}
	if server.WriteTimeout != config.WriteTimeout {
		t.Errorf("createHTTPServer() WriteTimeout = %v, expected %v", server.WriteTimeout, config.WriteTimeout)
	}
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	if _, err := NewServer(core.DefaultConfig(), Dependencies{}, zap.NewNop()); err == nil {
		t.Error("NewServer() should fail without dependencies")
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	tests := []struct {
		path string
		body string
	}{
		{"/healthz", `{"status":"ok","service":"lingogate"}`},
		{"/readyz", `{"status":"ready","service":"lingogate"}`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := env.get(tt.path)
			if rec.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, expected application/json", ct)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("Expected body %q, got %q", tt.body, rec.Body.String())
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)
	rec := env.get("/en/login")

	expected := map[string]string{
		"Cross-Origin-Opener-Policy": "same-origin-allow-popups",
		"X-Content-Type-Options":     "nosniff",
		"X-Frame-Options":            "DENY",
		"Cache-Control":              "no-store, no-cache, must-revalidate, max-age=0",
	}
	for name, want := range expected {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, expected %q", name, got, want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)
	env.get("/")
	client := cookieNamed(env.get("/en/login"), clientCookie)
	env.get("/en/login", client)

	rec := env.get("/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics returned status %d", rec.Code)
	}

	body := rec.Body.String()
	for _, metric := range []string{
		`lingogate_locale_redirects_total{reason="missing"} 1`,
		`lingogate_translation_loads_total{locale="en",status="success"} 2`,
		"lingogate_translation_clients 1",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metrics to contain %q", metric)
		}
	}
}

func TestLocaleRedirects(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	tests := []struct {
		name           string
		path           string
		acceptLanguage string
		location       string
	}{
		{"root negotiates", "/", "pt-BR,pt;q=0.9", "/pt"},
		{"route keeps query", "/login?mode=register", "es-MX", "/es/login?mode=register"},
		{"unsupported locale is prefixed with default", "/fr/login", "pt", "/en/fr/login"},
		{"no header uses default", "/forgot-password", "", "/en/forgot-password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			if tt.acceptLanguage != "" {
				req.Header.Set("Accept-Language", tt.acceptLanguage)
			}
			rec := env.do(req)

			if rec.Code != http.StatusTemporaryRedirect {
				t.Fatalf("Expected 307, got %d", rec.Code)
			}
			if got := rec.Header().Get("Location"); got != tt.location {
				t.Errorf("Location = %q, expected %q", got, tt.location)
			}
		})
	}
}

func TestLoginPage_Localized(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)
	rec := env.get("/pt/login")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Locale"); got != "pt" {
		t.Errorf("X-Locale = %q, expected pt", got)
	}
	if cookieNamed(rec, clientCookie) == nil {
		t.Error("Expected a translation client cookie")
	}

	body := rec.Body.String()
	for _, element := range []string{
		`<html lang="pt">`,
		"Entrar",
		`href="/en/login"`,
		`href="/es/login"`,
		`<strong lang="pt">`,
		`action="/pt/login"`,
	} {
		if !strings.Contains(body, element) {
			t.Errorf("Expected body to contain %q", element)
		}
	}
	if strings.Contains(body, "/pt/auth/google") {
		t.Error("Google button should be hidden when not configured")
	}
}

func TestLoginPage_ErrorFromQuery(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.get("/en/login?error=auth%2Fexpired-action-code")
	if !strings.Contains(rec.Body.String(), "This link has expired or was already used.") {
		t.Error("Expected the localized error for the code")
	}

	rec = env.get("/en/login?error=made-up")
	if !strings.Contains(rec.Body.String(), "Something went wrong. Please try again.") {
		t.Error("Unknown codes should render the default message")
	}
}

func TestLogin_Validation(t *testing.T) {
	provider := &fakeProvider{}
	env := newTestEnv(t, provider, nil)

	tests := []struct {
		name string
		form url.Values
		want string
	}{
		{"missing email", url.Values{"email": {" "}, "password": {"secret1"}}, "Email is required."},
		{"invalid email", url.Values{"email": {"ana"}, "password": {"secret1"}}, "Please enter a valid email address."},
		{"missing password", url.Values{"email": {"ana@example.com"}}, "Password is required."},
		{"short password", url.Values{"mode": {"register"}, "email": {"ana@example.com"}, "password": {"123"}, "confirmPassword": {"123"}}, "Password must be at least 6 characters."},
		{"mismatch", url.Values{"mode": {"register"}, "email": {"ana@example.com"}, "password": {"secret1"}, "confirmPassword": {"secret2"}}, "Passwords do not match."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.post("/en/login", tt.form)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("Expected 422, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("Expected body to contain %q", tt.want)
			}
		})
	}

	if provider.signInCalls != 0 {
		t.Errorf("Provider should not be called for invalid forms, got %d calls", provider.signInCalls)
	}
}

func TestLogin_ProviderErrorsAreLocalized(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"known code", identity.NewError("signIn", identity.CodeWrongPassword, nil), "Senha incorreta."},
		{"foreign error", errors.New("boom"), "Algo deu errado. Tente novamente."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeProvider{
				signIn: func(string, string) (*identity.Session, error) { return nil, tt.err },
			}, nil)

			rec := env.post("/pt/login", url.Values{"email": {"ana@example.com"}, "password": {"secret1"}})
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("Expected 422, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("Expected body to contain %q", tt.want)
			}
			if cookieNamed(rec, session.CookieSession) != nil {
				t.Error("No session should be issued on failure")
			}
		})
	}
}

func TestLogin_UnverifiedOffersResend(t *testing.T) {
	pending := &identity.Session{Account: identity.Account{UID: "u1", Email: "ana@example.com"}, IDToken: "id-1"}
	provider := &fakeProvider{
		signIn: func(string, string) (*identity.Session, error) {
			return nil, &identity.Error{Op: "signIn", Code: identity.CodeEmailNotVerified, Session: pending}
		},
	}
	env := newTestEnv(t, provider, nil)

	rec := env.post("/en/login", url.Values{"email": {"ana@example.com"}, "password": {"secret1"}})
	body := rec.Body.String()
	if !strings.Contains(body, "Please verify your email before signing in.") {
		t.Error("Expected the email-not-verified message")
	}
	if !strings.Contains(body, `action="/en/verification"`) {
		t.Error("Expected the resend verification form")
	}

	pendingCookie := cookieNamed(rec, session.CookiePending)
	if pendingCookie == nil {
		t.Fatal("Expected a pending session cookie")
	}

	rec = env.post("/es/verification", url.Values{}, pendingCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from resend, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Te enviamos un correo de verificación.") {
		t.Error("Expected the localized verification-sent notice")
	}
	if len(provider.verifyCalls) != 1 || provider.verifyCalls[0] != "id-1|es" {
		t.Errorf("Unexpected verification calls: %v", provider.verifyCalls)
	}
}

func TestResendVerification_WithoutPendingSession(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.post("/en/verification", url.Values{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", rec.Code)
	}
}

func TestLogin_SuccessAndHome(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.post("/pt/login", url.Values{"email": {" Ana@Example.com "}, "password": {"secret1"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("Expected 303, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/pt" {
		t.Errorf("Location = %q, expected /pt", got)
	}
	sessionCookie := cookieNamed(rec, session.CookieSession)
	if sessionCookie == nil {
		t.Fatal("Expected a session cookie")
	}

	rec = env.get("/pt", sessionCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected home to render, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, element := range []string{"Bem-vindo", "Conectado como ana@example.com", `action="/pt/logout"`} {
		if !strings.Contains(body, element) {
			t.Errorf("Expected home to contain %q", element)
		}
	}

	rec = env.get("/pt/login", sessionCookie)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/pt" {
		t.Errorf("Signed-in users should be sent home from login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestHome_RequiresVerifiedSession(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.get("/es")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/es/login" {
		t.Errorf("Expected redirect to /es/login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	issued := httptest.NewRecorder()
	if err := env.sessions.Issue(issued, &identity.Session{Account: identity.Account{UID: "u1", Email: "ana@example.com"}}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rec = env.get("/es", cookieNamed(issued, session.CookieSession))
	if rec.Code != http.StatusSeeOther {
		t.Errorf("Unverified sessions should not reach home, got %d", rec.Code)
	}
}

func TestRegister_ShowsVerificationSent(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.post("/en/login", url.Values{
		"mode":            {"register"},
		"email":           {"ana@example.com"},
		"password":        {"secret1"},
		"confirmPassword": {"secret1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "We sent you a verification email.") {
		t.Error("Expected the verification-sent notice")
	}
	if !strings.Contains(body, `value="login"`) {
		t.Error("Form should switch back to login mode")
	}
	if cookieNamed(rec, session.CookiePending) == nil {
		t.Error("Expected a pending session cookie")
	}
	if cookieNamed(rec, session.CookieSession) != nil {
		t.Error("Unverified registration must not sign in")
	}
}

func TestLogin_Throttled(t *testing.T) {
	provider := &fakeProvider{
		signIn: func(string, string) (*identity.Session, error) {
			return nil, identity.NewError("signIn", identity.CodeInvalidCredential, nil)
		},
	}
	fg := flood.New(1)
	t.Cleanup(fg.Stop)
	env := newTestEnv(t, provider, func(_ *core.Config, deps *Dependencies) {
		deps.Floodgate = fg
	})

	form := url.Values{"email": {"ana@example.com"}, "password": {"secret1"}}
	env.post("/en/login", form)
	rec := env.post("/en/login", form)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Too many attempts.") {
		t.Error("Expected the too-many-requests message")
	}
	if provider.signInCalls != 1 {
		t.Errorf("Throttled attempts must not reach the provider, got %d calls", provider.signInCalls)
	}
}

func TestForgotPassword(t *testing.T) {
	provider := &fakeProvider{}
	env := newTestEnv(t, provider, nil)

	rec := env.get("/en/forgot-password")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	tests := []struct {
		email string
		want  string
	}{
		{"", "Please fill in this field."},
		{"nope", "Please enter a valid email address."},
	}
	for _, tt := range tests {
		rec = env.post("/en/forgot-password", url.Values{"email": {tt.email}})
		if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), tt.want) {
			t.Errorf("email %q: got %d, expected 422 with %q", tt.email, rec.Code, tt.want)
		}
	}

	rec = env.post("/es/forgot-password", url.Values{"email": {"Ana@Example.com"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Si existe una cuenta para esta dirección") {
		t.Error("Expected the localized reset notice")
	}
	if len(provider.resetCalls) != 1 || provider.resetCalls[0] != "ana@example.com|es" {
		t.Errorf("Unexpected reset calls: %v", provider.resetCalls)
	}
}

func TestResetPassword(t *testing.T) {
	provider := &resettingProvider{}
	env := newTestEnv(t, provider, nil)

	rec := env.get("/pt/reset-password?token=reset-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, element := range []string{
		"Nova senha",
		`action="/pt/reset-password"`,
		`name="token" value="reset-1"`,
		`value="ana@example.com"`,
		`href="/en/reset-password?token=reset-1"`,
	} {
		if !strings.Contains(body, element) {
			t.Errorf("Expected reset form to contain %q", element)
		}
	}

	tests := []struct {
		name string
		form url.Values
		want string
	}{
		{"missing password", url.Values{"token": {"reset-1"}}, "Password is required."},
		{"short password", url.Values{"token": {"reset-1"}, "password": {"123"}, "confirmPassword": {"123"}}, "Password must be at least 6 characters."},
		{"mismatch", url.Values{"token": {"reset-1"}, "password": {"secret1"}, "confirmPassword": {"secret2"}}, "Passwords do not match."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.post("/en/reset-password", tt.form)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("Expected 422, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("Expected body to contain %q", tt.want)
			}
			if !strings.Contains(rec.Body.String(), `name="token" value="reset-1"`) {
				t.Error("The form should keep its token")
			}
		})
	}
	if len(provider.resets) != 0 {
		t.Fatalf("Invalid forms must not reach the provider, got %v", provider.resets)
	}

	rec = env.post("/en/reset-password", url.Values{
		"token":           {"reset-1"},
		"password":        {"new-secret"},
		"confirmPassword": {"new-secret"},
	})
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/en/login?reset=1" {
		t.Fatalf("Expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if len(provider.resets) != 1 || provider.resets[0] != "reset-1|new-secret" {
		t.Errorf("Unexpected resets: %v", provider.resets)
	}

	rec = env.get("/en/login?reset=1")
	if !strings.Contains(rec.Body.String(), "Your password has been updated.") {
		t.Error("Expected the password-updated notice")
	}
}

func TestResetPassword_ExpiredToken(t *testing.T) {
	env := newTestEnv(t, &resettingProvider{}, nil)

	rec := env.get("/en/reset-password?token=stale")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "This link has expired or was already used.") {
		t.Error("Expected the expired-link message")
	}
	if !strings.Contains(body, `href="/en/forgot-password"`) {
		t.Error("Expected a link to request a new email")
	}
	if strings.Contains(body, `name="token"`) {
		t.Error("No reset form should be offered for an invalid token")
	}

	rec = env.post("/en/reset-password", url.Values{
		"token":           {"stale"},
		"password":        {"new-secret"},
		"confirmPassword": {"new-secret"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), `name="token"`) {
		t.Error("No reset form should be offered for an invalid token")
	}
}

func TestResetPassword_NotRoutedWithoutResetter(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.get("/en/reset-password?token=reset-1")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestLogout(t *testing.T) {
	provider := &fakeProvider{}
	env := newTestEnv(t, provider, nil)

	issued := httptest.NewRecorder()
	if err := env.sessions.Issue(issued, &identity.Session{
		Account: identity.Account{UID: "u1", EmailVerified: true},
		IDToken: "id-1",
	}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rec := env.post("/en/logout", url.Values{}, cookieNamed(issued, session.CookieSession))
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/en/login" {
		t.Errorf("Expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if c := cookieNamed(rec, session.CookieSession); c == nil || c.MaxAge >= 0 {
		t.Error("Expected the session cookie to be cleared")
	}
	if len(provider.signOuts) != 1 || provider.signOuts[0] != "u1|id-1" {
		t.Errorf("Expected the session's token to be revoked, got %v", provider.signOuts)
	}
}

func TestNotFoundPage(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.get("/es/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Página no encontrada") {
		t.Error("Expected the localized not-found page")
	}
	if !strings.Contains(rec.Body.String(), `href="/pt/nope"`) {
		t.Error("Language links should keep the rest of the path")
	}
}

func TestTranslationErrorPanel(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, func(_ *core.Config, deps *Dependencies) {
		deps.Builder = failingBuilder{}
	})

	rec := env.get("/en/login")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Error loading translations: bundle host unreachable") {
		t.Errorf("Expected the translation error panel, got %q", rec.Body.String())
	}
}

func TestPage_InvalidLocaleFailsFast(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	called := false
	handler := env.server.page(func(http.ResponseWriter, *http.Request, *pageContext) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/anything", http.NoBody)
	req.Header.Set("X-Locale", "fr")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if called {
		t.Error("Page must not render with an unsupported locale")
	}
}

func TestTranslationStateEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.get("/api/translation/state")
	var empty translationStateResponse
	if err := json.NewDecoder(rec.Body).Decode(&empty); err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if empty.Ready || empty.ActiveLocale != "" {
		t.Errorf("Unknown clients should have no state, got %+v", empty)
	}

	client := cookieNamed(env.get("/pt/login"), clientCookie)
	rec = env.get("/api/translation/state", client)
	var first translationStateResponse
	if err := json.NewDecoder(rec.Body).Decode(&first); err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if first.Ready || first.ActiveLocale != "" {
		t.Errorf("A first visit should not register the client, got %+v", first)
	}

	env.get("/pt/login", client)
	rec = env.get("/api/translation/state", client)

	var state translationStateResponse
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
		t.Fatalf("Decode error = %v", err)
	}
	if !state.Ready || state.ActiveLocale != "pt" || state.Loading {
		t.Errorf("Unexpected state %+v", state)
	}
}

func TestLocaleBundlesServed(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.get("/locales/pt/common.json")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Bem-vindo") {
		t.Error("Expected the Portuguese bundle")
	}
}

func TestGoogle_NotConfigured(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.get("/pt/auth/google")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("Expected 303, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/pt/login?error=auth%2Foperation-not-allowed" {
		t.Errorf("Location = %q", got)
	}
}

func TestGoogleCallback_RejectsMissingState(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	rec := env.get("/api/auth/google/callback?state=x&code=y")
	if got := rec.Header().Get("Location"); got != "/en/login?error=auth%2Finvalid-credential" {
		t.Errorf("Location = %q", got)
	}
}

func TestVerifyEmailRoute(t *testing.T) {
	t.Run("not exposed without a confirming provider", func(t *testing.T) {
		env := newTestEnv(t, &fakeProvider{}, nil)
		rec := env.get("/api/auth/verify?token=good")
		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected the not-found page, got %d %q", rec.Code, rec.Header().Get("Location"))
		}
	})

	env := newTestEnv(t, &confirmingProvider{}, nil)

	tests := []struct {
		query    string
		location string
	}{
		{"token=good&locale=pt", "/pt/login?verified=1"},
		{"token=bad&locale=es", "/es/login?error=auth%2Fexpired-action-code"},
		{"token=good&locale=fr", "/en/login?verified=1"},
	}
	for _, tt := range tests {
		rec := env.get("/api/auth/verify?" + tt.query)
		if got := rec.Header().Get("Location"); got != tt.location {
			t.Errorf("%s: Location = %q, expected %q", tt.query, got, tt.location)
		}
	}

	rec := env.get("/pt/login?verified=1")
	if !strings.Contains(rec.Body.String(), "Seu e-mail foi verificado.") {
		t.Error("Expected the email-verified notice")
	}
}

func TestTranslations_ConcurrentLocalesFromOneClient(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, func(_ *core.Config, deps *Dependencies) {
		deps.Builder = slowBuilder{next: deps.Builder, delay: 20 * time.Millisecond}
	})
	client := &http.Cookie{Name: clientCookie, Value: uuid.NewString()}

	locales := []string{"en", "pt", "es"}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		loc := locales[i%len(locales)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.get("/"+loc+"/login", client)
			if rec.Code != http.StatusOK {
				t.Errorf("GET /%s/login: expected 200, got %d", loc, rec.Code)
				return
			}
			if !strings.Contains(rec.Body.String(), `<html lang="`+loc+`">`) {
				t.Errorf("GET /%s/login rendered another locale", loc)
			}
		}()
	}
	wg.Wait()
}

func TestTranslations_EvictionDuringRender(t *testing.T) {
	var builder *stallingBuilder
	env := newTestEnv(t, &fakeProvider{}, func(config *core.Config, deps *Dependencies) {
		config.Translation.MaxClients = 1
		builder = &stallingBuilder{next: deps.Builder, locale: "pt", started: make(chan struct{})}
		deps.Builder = builder
	})

	evicted := &http.Cookie{Name: clientCookie, Value: uuid.NewString()}
	result := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		result <- env.get("/pt/login", evicted)
	}()

	select {
	case <-builder.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Translation load did not start")
	}

	rec := env.get("/en/login", &http.Cookie{Name: clientCookie, Value: uuid.NewString()})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for the new client, got %d", rec.Code)
	}

	select {
	case rec = <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("Evicted client's request did not finish")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for the evicted client, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `<html lang="pt">`) {
		t.Error("Evicted client should still get its locale")
	}
}

func TestTranslations_CookielessRequestsKeepClients(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, func(config *core.Config, _ *Dependencies) {
		config.Translation.MaxClients = 1
	})

	client := &http.Cookie{Name: clientCookie, Value: uuid.NewString()}
	env.get("/es/login", client)

	for i := 0; i < 5; i++ {
		if rec := env.get("/en/login"); rec.Code != http.StatusOK {
			t.Fatalf("Cookieless request %d: expected 200, got %d", i, rec.Code)
		}
	}

	if _, ok := env.server.registry.Peek(client.Value); !ok {
		t.Error("Cookieless requests should not evict registered clients")
	}
	if body := env.get("/metrics").Body.String(); !strings.Contains(body, "lingogate_translation_clients 1") {
		t.Error("Expected exactly one registered client")
	}
}

func TestBypassedPathIgnoresLocaleHeader(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/logo.svg", http.NoBody)
	req.Header.Set("X-Locale", "fr")
	rec := env.do(req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `<html lang="en">`) {
		t.Error("Expected the default-locale not-found page")
	}
}
