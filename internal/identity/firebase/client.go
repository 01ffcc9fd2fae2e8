// Package firebase implements the identity provider over the Firebase Identity Toolkit REST API.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"lingogate/internal/identity"
)

const (
	providerPassword = "password"
	providerGoogle   = "google.com"

	requestVerifyEmail   = "VERIFY_EMAIL"
	requestPasswordReset = "PASSWORD_RESET"

	localeHeader = "X-Firebase-Locale"
)

// errorCodes maps Identity Toolkit error messages onto normalized codes.
var errorCodes = map[string]string{
	"EMAIL_EXISTS":                identity.CodeEmailAlreadyInUse,
	"EMAIL_NOT_FOUND":             identity.CodeUserNotFound,
	"INVALID_PASSWORD":            identity.CodeWrongPassword,
	"INVALID_LOGIN_CREDENTIALS":   identity.CodeInvalidCredential,
	"INVALID_IDP_RESPONSE":        identity.CodeInvalidCredential,
	"INVALID_ID_TOKEN":            identity.CodeInvalidCredential,
	"USER_NOT_FOUND":              identity.CodeUserNotFound,
	"USER_DISABLED":               identity.CodeUserDisabled,
	"INVALID_EMAIL":               identity.CodeInvalidEmail,
	"MISSING_EMAIL":               identity.CodeInvalidEmail,
	"WEAK_PASSWORD":               identity.CodeWeakPassword,
	"TOO_MANY_ATTEMPTS_TRY_LATER": identity.CodeTooManyRequests,
	"OPERATION_NOT_ALLOWED":       identity.CodeOperationNotAllowed,
	"PASSWORD_LOGIN_DISABLED":     identity.CodeOperationNotAllowed,
	"EXPIRED_OOB_CODE":            identity.CodeExpiredActionCode,
	"INVALID_OOB_CODE":            identity.CodeExpiredActionCode,
	"TOKEN_EXPIRED":               identity.CodeInvalidCredential,
}

// Config holds the client settings.
type Config struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

// Client talks to the Identity Toolkit accounts endpoints.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient creates a Firebase identity provider.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

type tokenResponse struct {
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     string `json:"expiresIn"`
	ProviderID    string `json:"providerId"`
}

type lookupResponse struct {
	Users []struct {
		LocalID       string `json:"localId"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
		Disabled      bool   `json:"disabled"`
	} `json:"users"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) SignUp(ctx context.Context, email, password, locale string) (*identity.Session, error) {
	const op = "signUp"

	var resp tokenResponse
	err := c.call(ctx, op, "accounts:signUp", locale, map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	session := c.session(resp, providerPassword)
	session.Account.Locale = locale

	if err := c.SendVerificationEmail(ctx, session, locale); err != nil {
		c.logger.Warn("Failed to send verification email after sign-up",
			zap.String("uid", session.Account.UID),
			zap.Error(err))
	}

	c.logger.Info("Account created", zap.String("uid", session.Account.UID))
	return session, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	const op = "signIn"

	var resp tokenResponse
	err := c.call(ctx, op, "accounts:signInWithPassword", "", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	session := c.session(resp, providerPassword)

	verified, err := c.emailVerified(ctx, op, session.IDToken)
	if err != nil {
		return nil, err
	}
	session.Account.EmailVerified = verified

	if !verified {
		return nil, &identity.Error{
			Op:      op,
			Code:    identity.CodeEmailNotVerified,
			Session: session,
		}
	}
	return session, nil
}

func (c *Client) SignInWithIDP(ctx context.Context, cred identity.FederatedCredential) (*identity.Session, error) {
	const op = "signInWithIdp"

	if cred.ProviderID == "" {
		cred.ProviderID = providerGoogle
	}

	postBody := url.Values{}
	postBody.Set("providerId", cred.ProviderID)
	if cred.IDToken != "" {
		postBody.Set("id_token", cred.IDToken)
	}
	if cred.AccessToken != "" {
		postBody.Set("access_token", cred.AccessToken)
	}

	requestURI := cred.RequestURI
	if requestURI == "" {
		requestURI = "http://localhost"
	}

	var resp tokenResponse
	err := c.call(ctx, op, "accounts:signInWithIdp", "", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return c.session(resp, cred.ProviderID), nil
}

// SignOut is local only: Identity Toolkit ID tokens expire on their own and the
// session cookie is dropped by the caller.
func (c *Client) SignOut(_ context.Context, session *identity.Session) error {
	if session != nil {
		c.logger.Debug("Signed out", zap.String("uid", session.Account.UID))
	}
	return nil
}

func (c *Client) SendPasswordReset(ctx context.Context, email, locale string) error {
	return c.call(ctx, "sendPasswordReset", "accounts:sendOobCode", locale, map[string]any{
		"requestType": requestPasswordReset,
		"email":       email,
	}, nil)
}

func (c *Client) SendVerificationEmail(ctx context.Context, session *identity.Session, locale string) error {
	const op = "sendEmailVerification"
	if session == nil || session.IDToken == "" {
		return identity.NewError(op, identity.CodeInvalidCredential, errors.New("missing ID token"))
	}
	return c.call(ctx, op, "accounts:sendOobCode", locale, map[string]any{
		"requestType": requestVerifyEmail,
		"idToken":     session.IDToken,
	}, nil)
}

func (c *Client) emailVerified(ctx context.Context, op, idToken string) (bool, error) {
	var resp lookupResponse
	if err := c.call(ctx, op, "accounts:lookup", "", map[string]any{"idToken": idToken}, &resp); err != nil {
		return false, err
	}
	if len(resp.Users) == 0 {
		return false, identity.NewError(op, identity.CodeUserNotFound, nil)
	}
	if resp.Users[0].Disabled {
		return false, identity.NewError(op, identity.CodeUserDisabled, nil)
	}
	return resp.Users[0].EmailVerified, nil
}

func (c *Client) session(resp tokenResponse, provider string) *identity.Session {
	session := &identity.Session{
		Account: identity.Account{
			UID:           resp.LocalID,
			Email:         resp.Email,
			EmailVerified: resp.EmailVerified,
			Provider:      provider,
		},
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
	}
	if secs, err := strconv.Atoi(resp.ExpiresIn); err == nil {
		session.ExpiresAt = c.now().Add(time.Duration(secs) * time.Second)
	}
	return session
}

func (c *Client) call(ctx context.Context, op, method, locale string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}

	u := c.endpoint + "/" + method + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return identity.NewError(op, identity.CodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if locale != "" {
		req.Header.Set(localeHeader, locale)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Identity Toolkit request failed", zap.String("method", method), zap.Error(err))
		return identity.NewError(op, identity.CodeNetworkRequestFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return identity.NewError(op, identity.CodeNetworkRequestFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(op, method, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return identity.NewError(op, identity.CodeInternal, fmt.Errorf("decode %s response: %w", method, err))
	}
	return nil
}

func (c *Client) decodeError(op, method string, status int, data []byte) error {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error.Message == "" {
		c.logger.Warn("Unexpected Identity Toolkit response",
			zap.String("method", method),
			zap.Int("status", status))
		return identity.NewError(op, identity.CodeInternal, fmt.Errorf("%s: unexpected status %d", method, status))
	}

	code := normalize(er.Error.Message)
	c.logger.Debug("Identity Toolkit rejected request",
		zap.String("method", method),
		zap.String("message", er.Error.Message),
		zap.String("code", code))
	return identity.NewError(op, code, errors.New(er.Error.Message))
}

// normalize maps a message such as "WEAK_PASSWORD : Password should be at least 6
// characters" onto its code. Unknown messages map to CodeInternal.
func normalize(message string) string {
	key := message
	if i := strings.Index(key, " : "); i >= 0 {
		key = key[:i]
	}
	key = strings.TrimSpace(key)
	if code, ok := errorCodes[key]; ok {
		return code
	}
	return identity.CodeInternal
}
