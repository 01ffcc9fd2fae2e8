package core

import (
	"time"
)

const (
	// DefaultServerPort is the port the HTTP server listens on
	DefaultServerPort = 8080
	// DefaultLoadTimeoutSecs bounds a single translation bundle load
	DefaultLoadTimeoutSecs = 10
	// DefaultMaxTranslationClients is the number of per-client bootstrappers kept in memory
	DefaultMaxTranslationClients = 4096
	// DefaultSessionTTLHours is how long a signed-in session cookie stays valid
	DefaultSessionTTLHours = 24 * 7
	// DefaultAuthAttemptsPerMinute limits credential submissions per client address
	DefaultAuthAttemptsPerMinute = 10

	// TranslationSourceEmbedded serves bundles compiled into the binary
	TranslationSourceEmbedded = "embedded"
	// TranslationSourceHTTP fetches bundles from a remote base URL
	TranslationSourceHTTP = "http"

	// IdentityProviderLocal keeps accounts in a local SQLite database
	IdentityProviderLocal = "local"
	// IdentityProviderFirebase delegates to the Firebase Identity Toolkit REST API
	IdentityProviderFirebase = "firebase"
)

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Locale      LocaleConfig
	Translation TranslationConfig
	Identity    IdentityConfig
	Google      GoogleConfig
	Session     SessionConfig
	Auth        AuthConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	PublicURL    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type LocaleConfig struct {
	Locales []string
	Default string
}

type TranslationConfig struct {
	Source       string
	BaseURL      string
	PathTemplate string
	Namespace    string
	LoadTimeout  time.Duration
	MaxClients   int
}

type IdentityConfig struct {
	Provider         string
	FirebaseAPIKey   string
	FirebaseEndpoint string
	LocalDBPath      string
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type SessionConfig struct {
	Secret               string
	TTL                  time.Duration
	SecureCookies        bool
	RequireVerifiedEmail bool
}

type AuthConfig struct {
	AttemptsPerMinute int
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         DefaultServerPort,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Locale: LocaleConfig{
			Locales: []string{"en", "pt", "es"},
			Default: "en",
		},
		Translation: TranslationConfig{
			Source:       TranslationSourceEmbedded,
			PathTemplate: "/locales/{locale}/{namespace}.json",
			Namespace:    "common",
			LoadTimeout:  DefaultLoadTimeoutSecs * time.Second,
			MaxClients:   DefaultMaxTranslationClients,
		},
		Identity: IdentityConfig{
			Provider:         IdentityProviderLocal,
			FirebaseEndpoint: "https://identitytoolkit.googleapis.com/v1",
			LocalDBPath:      "./lingogate.db",
		},
		Session: SessionConfig{
			TTL:                  DefaultSessionTTLHours * time.Hour,
			RequireVerifiedEmail: true,
		},
		Auth: AuthConfig{
			AttemptsPerMinute: DefaultAuthAttemptsPerMinute,
		},
	}
}
