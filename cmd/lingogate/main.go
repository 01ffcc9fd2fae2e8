// Package main provides the lingogate CLI application entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"lingogate/internal/core"
	"lingogate/internal/flood"
	httpserver "lingogate/internal/http"
	"lingogate/internal/i18n"
	"lingogate/internal/identity"
	"lingogate/internal/identity/firebase"
	"lingogate/internal/identity/google"
	"lingogate/internal/identity/local"
	"lingogate/internal/session"
	"lingogate/internal/store"
	"lingogate/internal/translation"
)

const (
	defaultServerHost = "0.0.0.0"
	envPrefix         = "LINGOGATE"

	// bundleCacheSize is the number of locale/namespace bundles kept in memory.
	bundleCacheSize = 64
	nonceCapacity   = 10000
	minSecretLength = 16
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lingogate",
	Short: "lingogate - localized sign-in front-end",
	Long: `lingogate serves locale-prefixed sign-in, registration and password reset pages,
loads translation bundles per browser and delegates credentials to a local or Firebase
identity provider.`,
	RunE: runLingogate,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := core.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is .env)")
	flags.String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "log format (json, console)")
	flags.String("server-host", defaultServerHost, "HTTP server host")
	flags.Int("server-port", core.DefaultServerPort, "HTTP server port")
	flags.String("public-url", "", "Public base URL used in emailed links (default http://127.0.0.1:<port>)")
	flags.StringSlice("locales", defaults.Locale.Locales, "Supported locales, in preference order")
	flags.String("default-locale", defaults.Locale.Default, "Locale used when nothing else matches")
	flags.String("translation-source", defaults.Translation.Source, "Translation bundle source (embedded, http)")
	flags.String("translation-base-url", "", "Base URL of the bundle host when the source is http")
	flags.String("translation-path", defaults.Translation.PathTemplate, "Bundle path template with {locale} and {namespace}")
	flags.String("translation-namespace", defaults.Translation.Namespace, "Translation namespace")
	flags.Int("translation-timeout-secs", core.DefaultLoadTimeoutSecs, "Timeout of a single bundle load in seconds")
	flags.Int("translation-max-clients", core.DefaultMaxTranslationClients, "Per-browser translation bootstrappers kept in memory")
	flags.String("identity-provider", defaults.Identity.Provider, "Identity provider (local, firebase)")
	flags.String("identity-db-path", defaults.Identity.LocalDBPath, "SQLite database of the local identity provider")
	flags.String("firebase-api-key", "", "Firebase Web API key")
	flags.String("firebase-endpoint", defaults.Identity.FirebaseEndpoint, "Identity Toolkit endpoint")
	flags.String("google-client-id", "", "Google OAuth client ID (empty disables Google sign-in)")
	flags.String("google-client-secret", "", "Google OAuth client secret")
	flags.String("google-redirect-url", "", "Google OAuth redirect URL (default <public-url>/api/auth/google/callback)")
	flags.String("session-secret", "", "Secret used to sign session cookies (at least 16 bytes)")
	flags.Int("session-ttl-hours", core.DefaultSessionTTLHours, "Session lifetime in hours")
	flags.Bool("session-secure-cookies", false, "Mark cookies Secure (enable behind HTTPS)")
	flags.Bool("require-verified-email", defaults.Session.RequireVerifiedEmail, "Only admit accounts with a verified email")
	flags.Int("auth-attempts-per-minute", core.DefaultAuthAttemptsPerMinute, "Credential attempts per client address per minute (0 disables)")
	flags.Bool("generate-env-example", false, "Generate .env.example file from current configuration and exit")

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level, config.Log.Format)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	configureServer(cfg)
	configureLocale(cfg)
	configureTranslation(cfg)
	configureIdentity(cfg)
	configureSession(cfg)
	configureGoogle(cfg)

	return cfg
}

func configureServer(cfg *core.Config) {
	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")

	cfg.Server.PublicURL = strings.TrimSuffix(viper.GetString("public-url"), "/")
	if cfg.Server.PublicURL == "" {
		host := cfg.Server.Host
		if host == defaultServerHost {
			host = "127.0.0.1"
		}
		cfg.Server.PublicURL = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}

	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Format = viper.GetString("log-format")
}

func configureLocale(cfg *core.Config) {
	// Environment values arrive as one comma-separated string.
	var locales []string
	for _, l := range viper.GetStringSlice("locales") {
		for _, part := range strings.Split(l, ",") {
			if part = strings.TrimSpace(part); part != "" {
				locales = append(locales, part)
			}
		}
	}
	if len(locales) > 0 {
		cfg.Locale.Locales = locales
	}
	if def := viper.GetString("default-locale"); def != "" {
		cfg.Locale.Default = def
	}
}

func configureTranslation(cfg *core.Config) {
	cfg.Translation.Source = viper.GetString("translation-source")
	cfg.Translation.BaseURL = strings.TrimSuffix(viper.GetString("translation-base-url"), "/")
	cfg.Translation.PathTemplate = viper.GetString("translation-path")
	cfg.Translation.Namespace = viper.GetString("translation-namespace")

	timeoutSecs := viper.GetInt("translation-timeout-secs")
	if timeoutSecs <= 0 {
		fmt.Printf("Warning: Invalid translation timeout (%d), using default (%d)\n",
			timeoutSecs, core.DefaultLoadTimeoutSecs)
		timeoutSecs = core.DefaultLoadTimeoutSecs
	}
	cfg.Translation.LoadTimeout = time.Duration(timeoutSecs) * time.Second

	cfg.Translation.MaxClients = viper.GetInt("translation-max-clients")
	if cfg.Translation.MaxClients <= 0 {
		cfg.Translation.MaxClients = core.DefaultMaxTranslationClients
	}
}

func configureIdentity(cfg *core.Config) {
	cfg.Identity.Provider = viper.GetString("identity-provider")
	cfg.Identity.LocalDBPath = viper.GetString("identity-db-path")
	cfg.Identity.FirebaseAPIKey = viper.GetString("firebase-api-key")
	cfg.Identity.FirebaseEndpoint = viper.GetString("firebase-endpoint")
	cfg.Auth.AttemptsPerMinute = viper.GetInt("auth-attempts-per-minute")
}

func configureSession(cfg *core.Config) {
	cfg.Session.Secret = viper.GetString("session-secret")
	cfg.Session.TTL = time.Duration(viper.GetInt("session-ttl-hours")) * time.Hour
	cfg.Session.SecureCookies = viper.GetBool("session-secure-cookies")
	cfg.Session.RequireVerifiedEmail = viper.GetBool("require-verified-email")
}

// configureGoogle runs after configureServer so the redirect URL can default to
// the public URL.
func configureGoogle(cfg *core.Config) {
	cfg.Google.ClientID = viper.GetString("google-client-id")
	cfg.Google.ClientSecret = viper.GetString("google-client-secret")
	cfg.Google.RedirectURL = viper.GetString("google-redirect-url")
	if cfg.Google.RedirectURL == "" {
		cfg.Google.RedirectURL = cfg.Server.PublicURL + "/api/auth/google/callback"
	}
}

func buildLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	if strings.EqualFold(format, "console") {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runLingogate(cmd *cobra.Command, _ []string) error {
	if viper.GetBool("generate-env-example") {
		return generateEnvExample(cmd)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting lingogate",
		zap.Strings("locales", config.Locale.Locales),
		zap.String("default_locale", config.Locale.Default),
		zap.String("translation_source", config.Translation.Source),
		zap.String("identity_provider", config.Identity.Provider),
		zap.Bool("google_enabled", config.Google.ClientID != ""))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	svcs, err := initializeServices()
	if err != nil {
		return err
	}
	defer svcs.close()

	return runServices(ctx, svcs)
}

type services struct {
	httpServer *httpserver.Server
	floodgate  *flood.Floodgate
	closers    []func() error
}

func (s *services) close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			logger.Debug("Failed to release resource", zap.Error(err))
		}
	}
}

func initializeServices() (*services, error) {
	svcs := &services{}

	settings, err := i18n.NewSettings(config.Locale.Locales, config.Locale.Default)
	if err != nil {
		return nil, err
	}

	loader, err := createTranslationLoader()
	if err != nil {
		return nil, err
	}
	builder := translation.NewFactory(loader, config.Locale.Default, config.Translation.Namespace,
		config.Translation.PathTemplate, logger.Named("translation"))

	provider, err := createIdentityProvider(svcs)
	if err != nil {
		return nil, err
	}

	googleFlow, err := google.NewFlow(google.Config{
		ClientID:     config.Google.ClientID,
		ClientSecret: config.Google.ClientSecret,
		RedirectURL:  config.Google.RedirectURL,
	})
	switch {
	case errors.Is(err, google.ErrNotConfigured):
		logger.Info("Google sign-in disabled")
		googleFlow = nil
	case err != nil:
		svcs.close()
		return nil, fmt.Errorf("failed to configure Google sign-in: %w", err)
	}

	sessions, err := session.NewManager(session.Config{
		Secret: config.Session.Secret,
		TTL:    config.Session.TTL,
		Secure: config.Session.SecureCookies,
	})
	if err != nil {
		svcs.close()
		return nil, err
	}

	svcs.floodgate = flood.New(config.Auth.AttemptsPerMinute)

	var bundles fs.FS
	if config.Translation.Source == core.TranslationSourceEmbedded {
		bundles = i18n.Bundles()
	}

	svcs.httpServer, err = httpserver.NewServer(config, httpserver.Dependencies{
		Settings:  settings,
		Builder:   builder,
		Identity:  provider,
		Sessions:  sessions,
		Floodgate: svcs.floodgate,
		Nonces:    store.NewNonceStore(nonceCapacity, 0.001),
		Google:    googleFlow,
		Bundles:   bundles,
	}, logger.Named("http"))
	if err != nil {
		svcs.floodgate.Stop()
		svcs.close()
		return nil, err
	}

	return svcs, nil
}

func createTranslationLoader() (translation.Loader, error) {
	var loader translation.Loader
	switch config.Translation.Source {
	case core.TranslationSourceHTTP:
		loader = translation.NewHTTPLoader(config.Translation.BaseURL, config.Translation.PathTemplate,
			config.Translation.LoadTimeout)
	default:
		loader = translation.NewFSLoader(i18n.Bundles(), config.Translation.PathTemplate)
	}
	return translation.NewCachingLoader(loader, bundleCacheSize)
}

func createIdentityProvider(svcs *services) (identity.Provider, error) {
	identityLogger := logger.Named("identity")

	switch config.Identity.Provider {
	case core.IdentityProviderFirebase:
		return firebase.NewClient(firebase.Config{
			APIKey:   config.Identity.FirebaseAPIKey,
			Endpoint: config.Identity.FirebaseEndpoint,
		}, identityLogger), nil
	default:
		p, err := local.Open(config.Identity.LocalDBPath, config.Server.PublicURL,
			local.NewLogMailer(identityLogger.Named("mail")), identityLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to open local identity store: %w", err)
		}
		svcs.closers = append(svcs.closers, p.Close)
		return p, nil
	}
}

func runServices(ctx context.Context, svcs *services) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svcs.httpServer.Start(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		svcs.floodgate.Stop()
		return nil
	})

	logger.Info("lingogate started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)),
		zap.String("public_url", config.Server.PublicURL))

	if err := g.Wait(); err != nil {
		logger.Error("lingogate stopped with error", zap.Error(err))
		return err
	}

	logger.Info("lingogate stopped gracefully")
	return nil
}

func validateConfig() error {
	if err := validateLocaleConfig(); err != nil {
		return err
	}

	if err := validateTranslationConfig(); err != nil {
		return err
	}

	if err := validateIdentityConfig(); err != nil {
		return err
	}

	if len(config.Session.Secret) < minSecretLength {
		return fmt.Errorf("session secret must be at least %d bytes (set %s)",
			minSecretLength, flagToEnvVar("session-secret"))
	}

	return nil
}

func validateLocaleConfig() error {
	if len(config.Locale.Locales) == 0 {
		return errors.New("at least one locale is required")
	}
	for _, l := range config.Locale.Locales {
		if l == config.Locale.Default {
			return nil
		}
	}
	return fmt.Errorf("default locale %q is not in the supported locales %v",
		config.Locale.Default, config.Locale.Locales)
}

func validateTranslationConfig() error {
	switch config.Translation.Source {
	case core.TranslationSourceEmbedded:
		available := i18n.BundleLocales()
		for _, l := range config.Locale.Locales {
			if !contains(available, l) {
				logger.Warn("No embedded bundle for locale, pages will fall back",
					zap.String("locale", l),
					zap.String("fallback", config.Locale.Default))
			}
		}
	case core.TranslationSourceHTTP:
		if config.Translation.BaseURL == "" {
			return errors.New("translation base URL is required when the source is http")
		}
	default:
		return fmt.Errorf("unknown translation source %q", config.Translation.Source)
	}

	if !strings.Contains(config.Translation.PathTemplate, "{locale}") {
		return errors.New("translation path template must contain {locale}")
	}
	return nil
}

func validateIdentityConfig() error {
	switch config.Identity.Provider {
	case core.IdentityProviderLocal:
		if config.Identity.LocalDBPath == "" {
			return errors.New("identity database path is required for the local provider")
		}
	case core.IdentityProviderFirebase:
		if config.Identity.FirebaseAPIKey == "" {
			return errors.New("firebase API key is required for the firebase provider")
		}
	default:
		return fmt.Errorf("unknown identity provider %q", config.Identity.Provider)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func generateEnvExample(cmd *cobra.Command) error {
	fmt.Println("Generating .env.example file from current configuration...")

	content := generateEnvExampleContent(cmd)

	if err := os.WriteFile(".env.example", []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write .env.example: %w", err)
	}

	fmt.Println("✅ Successfully generated .env.example file")
	return nil
}

// envSections groups flags the way .env.example presents them.
var envSections = []struct {
	title string
	flags []string
}{
	{"HTTP Server Configuration", []string{"server-host", "server-port", "public-url"}},
	{"Locales", []string{"locales", "default-locale"}},
	{"Translation Bundles", []string{
		"translation-source", "translation-base-url", "translation-path",
		"translation-namespace", "translation-timeout-secs", "translation-max-clients",
	}},
	{"Identity Provider", []string{"identity-provider", "identity-db-path", "firebase-api-key", "firebase-endpoint"}},
	{"Google Sign-In", []string{"google-client-id", "google-client-secret", "google-redirect-url"}},
	{"Sessions", []string{"session-secret", "session-ttl-hours", "session-secure-cookies", "require-verified-email"}},
	{"Flood Prevention", []string{"auth-attempts-per-minute"}},
	{"Logging Configuration", []string{"log-level", "log-format"}},
}

func generateEnvExampleContent(cmd *cobra.Command) string {
	var content strings.Builder

	content.WriteString("# =============================================================================\n")
	content.WriteString("# lingogate Configuration\n")
	content.WriteString("# =============================================================================\n")
	content.WriteString("#\n")
	content.WriteString("# Copy this file to .env and update with your values\n")
	content.WriteString("# All environment variables have CLI flag equivalents (use --help to see them)\n")
	content.WriteString("#\n")
	content.WriteString("# Format: " + envPrefix + "_<SETTING>=value\n")
	content.WriteString("# CLI equivalent: --<setting>\n")
	content.WriteString("#\n\n")

	for _, section := range envSections {
		generateSection(&content, cmd, section.title, section.flags)
	}

	return content.String()
}

func generateSection(content *strings.Builder, cmd *cobra.Command, title string, flagNames []string) {
	content.WriteString("# -----------------------------------------------------------------------------\n")
	fmt.Fprintf(content, "# %s\n", title)
	content.WriteString("# -----------------------------------------------------------------------------\n")

	for _, name := range flagNames {
		f := cmd.PersistentFlags().Lookup(name)
		if f == nil {
			continue
		}
		fmt.Fprintf(content, "# %s\n", f.Usage)
		fmt.Fprintf(content, "%s=%s\n", flagToEnvVar(name), envDefault(getDefaultValueString(cmd, name)))
	}
	content.WriteString("\n")
}

func flagToEnvVar(flagName string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func getDefaultValueString(cmd *cobra.Command, flagName string) string {
	if f := cmd.PersistentFlags().Lookup(flagName); f != nil {
		return f.DefValue
	}
	return ""
}

// envDefault turns pflag's slice notation "[en,pt]" into "en,pt".
func envDefault(def string) string {
	return strings.TrimSuffix(strings.TrimPrefix(def, "["), "]")
}
