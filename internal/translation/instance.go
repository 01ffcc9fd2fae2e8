package translation

import (
	"context"
	"errors"
	"fmt"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

var (
	// ErrNoLocale is reported when a bootstrap is requested without a locale.
	ErrNoLocale = errors.New("no locale provided")
	// ErrNoTranslations is reported when the target bundle is absent after loading.
	ErrNoTranslations = errors.New("no translations found for locale")
)

// Options describe how an Instance is built.
type Options struct {
	Locale    string
	Fallback  string
	Namespace string
	LoadPath  string
}

// Instance is a ready-to-query set of translations for one locale with a fallback.
// It is immutable once built and safe for concurrent use.
type Instance struct {
	opts   Options
	bundle *goi18n.Bundle
	// localizers are tried in order: target locale, then fallback.
	localizers []*goi18n.Localizer
	resources  map[string]*Resource
}

// Factory builds instances from a loader.
type Factory struct {
	loader    Loader
	fallback  string
	namespace string
	loadPath  string
	logger    *zap.Logger
}

// NewFactory creates a factory loading namespace bundles through loader.
func NewFactory(loader Loader, fallback, namespace, loadPath string, logger *zap.Logger) *Factory {
	return &Factory{
		loader:    loader,
		fallback:  fallback,
		namespace: namespace,
		loadPath:  loadPath,
		logger:    logger,
	}
}

// New loads the bundle for locale, plus the fallback bundle, and returns the instance.
// A missing fallback bundle is tolerated; a missing target bundle is not.
func (f *Factory) New(ctx context.Context, locale string) (*Instance, error) {
	opts := Options{
		Locale:    locale,
		Fallback:  f.fallback,
		Namespace: f.namespace,
		LoadPath:  f.loadPath,
	}

	fallbackTag, err := language.Parse(opts.Fallback)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback locale %q: %w", opts.Fallback, err)
	}

	inst := &Instance{
		opts:      opts,
		bundle:    goi18n.NewBundle(fallbackTag),
		resources: make(map[string]*Resource),
	}

	res, err := f.loader.Load(ctx, locale, opts.Namespace)
	switch {
	case errors.Is(err, ErrBundleNotFound):
		f.logger.Debug("Translation bundle missing",
			zap.String("locale", locale),
			zap.String("namespace", opts.Namespace),
			zap.Error(err))
	case err != nil:
		return nil, fmt.Errorf("failed to load %s/%s: %w", locale, opts.Namespace, err)
	default:
		if addErr := inst.add(res); addErr != nil {
			return nil, addErr
		}
	}

	if opts.Fallback != locale {
		fallbackRes, fallbackErr := f.loader.Load(ctx, opts.Fallback, opts.Namespace)
		if fallbackErr != nil {
			f.logger.Warn("Failed to load fallback translations",
				zap.String("locale", opts.Fallback),
				zap.Error(fallbackErr))
		} else if addErr := inst.add(fallbackRes); addErr != nil {
			f.logger.Warn("Failed to register fallback translations",
				zap.String("locale", opts.Fallback),
				zap.Error(addErr))
		}
	}

	if !inst.HasResourceBundle(locale, opts.Namespace) {
		return nil, fmt.Errorf("%w: %s", ErrNoTranslations, locale)
	}

	inst.localizers = []*goi18n.Localizer{goi18n.NewLocalizer(inst.bundle, locale)}
	if opts.Fallback != locale {
		inst.localizers = append(inst.localizers, goi18n.NewLocalizer(inst.bundle, opts.Fallback))
	}
	return inst, nil
}

func (i *Instance) add(res *Resource) error {
	if res == nil || len(res.Messages) == 0 {
		return nil
	}

	tag, err := language.Parse(res.Locale)
	if err != nil {
		return fmt.Errorf("invalid bundle locale %q: %w", res.Locale, err)
	}

	messages := make([]*goi18n.Message, 0, len(res.Messages))
	for id, text := range res.Messages {
		messages = append(messages, &goi18n.Message{ID: id, Other: text})
	}
	if err := i.bundle.AddMessages(tag, messages...); err != nil {
		return fmt.Errorf("failed to register %s/%s messages: %w", res.Locale, res.Namespace, err)
	}

	i.resources[res.Locale+"/"+res.Namespace] = res
	return nil
}

// Locale is the target locale of the instance.
func (i *Instance) Locale() string {
	return i.opts.Locale
}

// Options returns the configuration the instance was built with.
func (i *Instance) Options() Options {
	return i.opts
}

// HasResourceBundle reports whether a non-empty bundle was loaded for locale and namespace.
func (i *Instance) HasResourceBundle(locale, namespace string) bool {
	_, ok := i.resources[locale+"/"+namespace]
	return ok
}

// Lookup translates key, reporting whether it exists in the target or fallback bundle.
func (i *Instance) Lookup(key string, data map[string]any) (string, bool) {
	if i == nil {
		return "", false
	}
	cfg := &goi18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: data,
	}
	// A Localizer stops at the first matched tag even when the message is
	// missing there, so the fallback needs its own.
	for _, l := range i.localizers {
		if msg, err := l.Localize(cfg); err == nil {
			return msg, true
		}
	}
	return "", false
}

// T translates key, returning the key itself when no bundle defines it.
func (i *Instance) T(key string) string {
	if msg, ok := i.Lookup(key, nil); ok {
		return msg
	}
	return key
}

// TData translates key with template data.
func (i *Instance) TData(key string, data map[string]any) string {
	if msg, ok := i.Lookup(key, data); ok {
		return msg
	}
	return key
}

// TOr translates key, or fallbackKey when key is undefined.
func (i *Instance) TOr(key, fallbackKey string) string {
	if msg, ok := i.Lookup(key, nil); ok {
		return msg
	}
	return i.T(fallbackKey)
}
