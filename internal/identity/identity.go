// Package identity defines the boundary to the external identity provider and the
// normalized error codes every provider maps its failures onto.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Normalized provider error codes. Each renders through auth.errors.<code>.
const (
	CodeInvalidEmail         = "auth/invalid-email"
	CodeUserDisabled         = "auth/user-disabled"
	CodeUserNotFound         = "auth/user-not-found"
	CodeWrongPassword        = "auth/wrong-password"
	CodeInvalidCredential    = "auth/invalid-credential"
	CodeEmailAlreadyInUse    = "auth/email-already-in-use"
	CodeWeakPassword         = "auth/weak-password"
	CodeTooManyRequests      = "auth/too-many-requests"
	CodeEmailNotVerified     = "auth/email-not-verified"
	CodeOperationNotAllowed  = "auth/operation-not-allowed"
	CodeNetworkRequestFailed = "auth/network-request-failed"
	CodeExpiredActionCode    = "auth/expired-action-code"
	CodeInternal             = "auth/internal-error"
)

const (
	// MessageKeyPrefix prefixes every error code to form its translation key.
	MessageKeyPrefix = "auth.errors."
	// DefaultMessageKey is rendered for errors without a specific translation.
	DefaultMessageKey = "auth.errors.default"
)

// Account is the provider's view of a user.
type Account struct {
	UID           string
	Email         string
	EmailVerified bool
	Locale        string
	Provider      string
}

// Session is the result of a successful credential exchange.
type Session struct {
	Account      Account
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// FederatedCredential is a token issued by an external identity provider.
type FederatedCredential struct {
	ProviderID  string
	IDToken     string
	AccessToken string
	RequestURI  string
}

// Provider performs every credential operation on behalf of the front-end.
type Provider interface {
	// SignUp creates an account and sends its verification email. The returned
	// session is unverified.
	SignUp(ctx context.Context, email, password, locale string) (*Session, error)
	// SignIn rejects accounts whose email is not verified with CodeEmailNotVerified.
	// The returned Error then carries the unverified session so that a new
	// verification email can be requested.
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignInWithIDP(ctx context.Context, cred FederatedCredential) (*Session, error)
	SignOut(ctx context.Context, session *Session) error
	SendPasswordReset(ctx context.Context, email, locale string) error
	SendVerificationEmail(ctx context.Context, session *Session, locale string) error
}

// Error is a provider failure normalized to a code.
type Error struct {
	Code    string
	Op      string
	Err     error
	Session *Session
}

// NewError builds a normalized error for op.
func NewError(op, code string, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the normalized code from err, or "" when err is not a provider error.
func CodeOf(err error) string {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// PendingSession returns the unverified session attached to err, if any.
func PendingSession(err error) (*Session, bool) {
	var ie *Error
	if errors.As(err, &ie) && ie.Session != nil {
		return ie.Session, true
	}
	return nil, false
}

// MessageKey returns the translation key describing err.
func MessageKey(err error) string {
	if code := CodeOf(err); code != "" {
		return MessageKeyPrefix + code
	}
	return DefaultMessageKey
}
