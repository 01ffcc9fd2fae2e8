// Package i18n holds the supported locale set, Accept-Language negotiation and the
// translation bundles compiled into the binary.
package i18n

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/language"
)

const (
	// DefaultLocale is the fallback locale when negotiation yields nothing usable
	DefaultLocale = "en"
	// DefaultNamespace is the only translation namespace the front-end loads
	DefaultNamespace = "common"
)

// ErrInvalidLocale tags every failure caused by a locale outside the supported set.
var ErrInvalidLocale = errors.New("invalid locale")

// Settings is the immutable supported-locale configuration.
type Settings struct {
	locales []string
	def     string
	matcher language.Matcher
	// order maps matcher indices back to locale codes; the default comes first
	order []string
}

// NewSettings validates the locale list and builds the negotiation matcher.
func NewSettings(locales []string, defaultLocale string) (*Settings, error) {
	if len(locales) == 0 {
		return nil, errors.New("at least one locale must be supported")
	}

	seen := make(map[string]struct{}, len(locales))
	cleaned := make([]string, 0, len(locales))
	for _, l := range locales {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, err := language.Parse(l); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidLocale, l, err)
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		cleaned = append(cleaned, l)
	}

	if !slices.Contains(cleaned, defaultLocale) {
		return nil, fmt.Errorf("%w: default %q is not in the supported set %v", ErrInvalidLocale, defaultLocale, cleaned)
	}

	order := make([]string, 0, len(cleaned))
	order = append(order, defaultLocale)
	for _, l := range cleaned {
		if l != defaultLocale {
			order = append(order, l)
		}
	}

	tags := make([]language.Tag, len(order))
	for i, l := range order {
		tags[i] = language.Make(l)
	}

	return &Settings{
		locales: cleaned,
		def:     defaultLocale,
		matcher: language.NewMatcher(tags),
		order:   order,
	}, nil
}

// Locales returns the supported locales in configuration order.
func (s *Settings) Locales() []string {
	return slices.Clone(s.locales)
}

// Default returns the default locale.
func (s *Settings) Default() string {
	return s.def
}

// IsSupported reports whether locale is a member of the supported set.
func (s *Settings) IsSupported(locale string) bool {
	return slices.Contains(s.locales, locale)
}

// Negotiate picks the best supported locale for an Accept-Language header value.
// Any parse failure or absence of a usable match yields the default locale.
func (s *Settings) Negotiate(acceptLanguage string) string {
	if strings.TrimSpace(acceptLanguage) == "" {
		return s.def
	}

	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return s.def
	}

	_, index, confidence := s.matcher.Match(tags...)
	if confidence == language.No || index < 0 || index >= len(s.order) {
		return s.def
	}
	return s.order[index]
}

// Resolve returns the first non-empty candidate, or the default when all are empty.
// A candidate outside the supported set is reported as ErrInvalidLocale instead of
// being silently replaced.
func (s *Settings) Resolve(candidates ...string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if !s.IsSupported(c) {
			return "", fmt.Errorf("%w: %s", ErrInvalidLocale, c)
		}
		return c, nil
	}
	return s.def, nil
}
