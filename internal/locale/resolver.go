// Package locale resolves the active locale of every incoming request from its path
// prefix, redirecting requests that carry no usable locale.
package locale

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"lingogate/internal/i18n"
)

// HeaderName carries the resolved locale on the request and the response.
const HeaderName = "X-Locale"

// Redirect reasons reported to the observer.
const (
	ReasonMissing     = "missing"
	ReasonUnsupported = "unsupported"
)

// Action is the outcome of resolving a single request.
type Action int

const (
	// Bypass leaves the request untouched and attaches no locale.
	Bypass Action = iota
	// PassThrough forwards the request with its locale attached.
	PassThrough
	// Redirect sends the client to Location.
	Redirect
)

func (a Action) String() string {
	switch a {
	case Bypass:
		return "bypass"
	case PassThrough:
		return "pass-through"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is the result of Resolver.Decide.
type Decision struct {
	Action   Action
	Locale   string
	Location string
	Reason   string
}

// localeToken matches path segments shaped like a language tag (en, pt-BR, zh_Hant)
// as opposed to ordinary route names.
var localeToken = regexp.MustCompile(`^[a-zA-Z]{2,3}([-_][a-zA-Z0-9]{2,8})*$`)

// bypassPrefixes never carry a locale.
var bypassPrefixes = []string{"/api/", "/_next/", "/_internal/"}

// Resolver decides how each request path maps onto the supported locale set.
type Resolver struct {
	settings   *i18n.Settings
	logger     *zap.Logger
	onRedirect func(reason string)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRedirectObserver registers fn to be called for every redirect issued.
func WithRedirectObserver(fn func(reason string)) Option {
	return func(r *Resolver) {
		r.onRedirect = fn
	}
}

// NewResolver creates a resolver over the given supported locales.
func NewResolver(settings *i18n.Settings, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		settings: settings,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decide resolves a request path (without query) and its Accept-Language header.
func (r *Resolver) Decide(path, acceptLanguage string) Decision {
	if shouldBypass(path) {
		return Decision{Action: Bypass}
	}

	segment := firstSegment(path)
	if r.settings.IsSupported(segment) {
		return Decision{Action: PassThrough, Locale: segment}
	}

	if segment != "" && localeToken.MatchString(segment) {
		def := r.settings.Default()
		return Decision{
			Action:   Redirect,
			Locale:   def,
			Location: "/" + def + path,
			Reason:   ReasonUnsupported,
		}
	}

	negotiated := r.settings.Negotiate(acceptLanguage)
	location := "/" + negotiated
	if path != "/" && path != "" {
		location += path
	}
	return Decision{
		Action:   Redirect,
		Locale:   negotiated,
		Location: location,
		Reason:   ReasonMissing,
	}
}

// Middleware applies Decide to every request. Pass-through requests get the locale
// attached to the X-Locale request and response headers and to the request context.
// Bypassed requests have any client-sent X-Locale removed.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		decision := r.Decide(req.URL.Path, req.Header.Get("Accept-Language"))

		switch decision.Action {
		case PassThrough:
			req.Header.Set(HeaderName, decision.Locale)
			w.Header().Set(HeaderName, decision.Locale)
			next.ServeHTTP(w, req.WithContext(WithLocale(req.Context(), decision.Locale)))
		case Redirect:
			location := decision.Location
			if req.URL.RawQuery != "" {
				location += "?" + req.URL.RawQuery
			}
			r.logger.Debug("Redirecting request to localized path",
				zap.String("path", req.URL.Path),
				zap.String("location", location),
				zap.String("reason", decision.Reason))
			if r.onRedirect != nil {
				r.onRedirect(decision.Reason)
			}
			http.Redirect(w, req, location, http.StatusTemporaryRedirect)
		default:
			// Only the middleware may set the locale header.
			req.Header.Del(HeaderName)
			next.ServeHTTP(w, req)
		}
	})
}

func shouldBypass(path string) bool {
	if strings.Contains(path, ".") || path == "/favicon.ico" {
		return true
	}
	for _, prefix := range bypassPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func firstSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

type ctxKey struct{}

// WithLocale stores the resolved locale in ctx.
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, ctxKey{}, locale)
}

// FromContext returns the locale stored by the middleware, if any.
func FromContext(ctx context.Context) (string, bool) {
	l, ok := ctx.Value(ctxKey{}).(string)
	return l, ok && l != ""
}
