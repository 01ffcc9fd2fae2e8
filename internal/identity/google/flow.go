// Package google runs the OAuth authorization-code flow against Google and turns
// the resulting ID token into a federated credential.
package google

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"lingogate/internal/identity"
)

// ProviderID identifies Google credentials at the identity provider.
const ProviderID = "google.com"

// ErrNotConfigured is returned when no client ID has been configured.
var ErrNotConfigured = errors.New("google sign-in is not configured")

// Config holds the OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint overrides Google's endpoints. Zero means endpoints.Google.
	Endpoint oauth2.Endpoint
}

// Flow wraps an oauth2 configuration for Google sign-in.
type Flow struct {
	oauth *oauth2.Config
}

// NewFlow builds the flow. It returns ErrNotConfigured without a client ID.
func NewFlow(cfg Config) (*Flow, error) {
	if cfg.ClientID == "" {
		return nil, ErrNotConfigured
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("google redirect URL is required")
	}

	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = endpoints.Google
	}

	return &Flow{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
	}, nil
}

// NewVerifier returns a fresh PKCE code verifier.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthCodeURL returns the consent page URL for state, bound to verifier via PKCE.
func (f *Flow) AuthCodeURL(state, verifier string) string {
	return f.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades an authorization code for a credential the identity provider accepts.
func (f *Flow) Exchange(ctx context.Context, code, verifier string) (identity.FederatedCredential, error) {
	const op = "exchangeCode"

	if code == "" {
		return identity.FederatedCredential{}, identity.NewError(op, identity.CodeInvalidCredential, errors.New("missing authorization code"))
	}

	token, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return identity.FederatedCredential{}, identity.NewError(op, identity.CodeInvalidCredential, err)
		}
		return identity.FederatedCredential{}, identity.NewError(op, identity.CodeNetworkRequestFailed, err)
	}

	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return identity.FederatedCredential{}, identity.NewError(op, identity.CodeInvalidCredential,
			fmt.Errorf("token response has no id_token"))
	}

	return identity.FederatedCredential{
		ProviderID:  ProviderID,
		IDToken:     idToken,
		AccessToken: token.AccessToken,
		RequestURI:  f.oauth.RedirectURL,
	}, nil
}
