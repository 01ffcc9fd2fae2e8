package translation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lingogate/internal/i18n"
)

// ErrClosed is returned for loads requested from a closed bootstrapper.
var ErrClosed = errors.New("translation bootstrapper closed")

// State is a snapshot of a bootstrapper. Instance and ActiveLocale always describe
// the same successful load; a failed load leaves them at their previous values and
// sets Err instead.
type State struct {
	Instance     *Instance
	ActiveLocale string
	Err          error
	Loading      bool
}

// Ready reports whether the state holds a usable instance for locale.
func (s State) Ready(locale string) bool {
	return s.Instance != nil && s.Err == nil && s.ActiveLocale == locale
}

// LoadObserver is notified after each load that publishes its result.
type LoadObserver func(locale string, err error, duration time.Duration)

// InstanceBuilder builds an instance for a locale.
type InstanceBuilder interface {
	New(ctx context.Context, locale string) (*Instance, error)
}

// load is one bootstrap request. inst and err are set before done is closed and
// stay readable after a newer load replaced it.
type load struct {
	generation uint64
	locale     string
	done       chan struct{}

	inst *Instance
	err  error
}

func settled(generation uint64, locale string, inst *Instance, err error) *load {
	ld := &load{generation: generation, locale: locale, done: make(chan struct{}), inst: inst, err: err}
	close(ld.done)
	return ld
}

// Bootstrapper turns locale requests into ready translation instances. Every load is
// tagged with a generation number and only the newest load may publish its result.
type Bootstrapper struct {
	settings *i18n.Settings
	builder  InstanceBuilder
	timeout  time.Duration
	logger   *zap.Logger
	observer LoadObserver

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	generation uint64
	pending    *load
}

// BootstrapperOption configures a Bootstrapper.
type BootstrapperOption func(*Bootstrapper)

// WithLoadTimeout bounds every load. Zero disables the bound.
func WithLoadTimeout(d time.Duration) BootstrapperOption {
	return func(b *Bootstrapper) {
		b.timeout = d
	}
}

// WithLoadObserver registers fn to be called after every load.
func WithLoadObserver(fn LoadObserver) BootstrapperOption {
	return func(b *Bootstrapper) {
		b.observer = fn
	}
}

// NewBootstrapper creates an idle bootstrapper with no active locale.
func NewBootstrapper(settings *i18n.Settings, builder InstanceBuilder, logger *zap.Logger,
	opts ...BootstrapperOption,
) *Bootstrapper {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bootstrapper{
		settings: settings,
		builder:  builder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bootstrap requests locale to become the active locale. The returned channel is
// closed once the request is settled: immediately for invalid input and for a locale
// that is already ready, otherwise when the asynchronous load completes.
func (b *Bootstrapper) Bootstrap(locale string) <-chan struct{} {
	return b.bootstrap(locale).done
}

func (b *Bootstrapper) bootstrap(locale string) *load {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx.Err() != nil {
		return settled(b.generation, locale, nil, ErrClosed)
	}

	switch {
	case locale == "":
		return b.failLocked(locale, ErrNoLocale)
	case !b.settings.IsSupported(locale):
		return b.failLocked(locale, fmt.Errorf("%w: %s", i18n.ErrInvalidLocale, locale))
	}

	if b.state.Ready(locale) {
		if b.pending != nil {
			b.supersedeLocked()
			b.state.Loading = false
		}
		return settled(b.generation, locale, b.state.Instance, nil)
	}

	if b.pending != nil && b.pending.locale == locale {
		return b.pending
	}

	b.supersedeLocked()
	b.generation++

	ld := &load{
		generation: b.generation,
		locale:     locale,
		done:       make(chan struct{}),
	}
	b.pending = ld
	b.state.Loading = true
	b.state.Err = nil

	b.logger.Debug("Loading translations",
		zap.String("locale", locale),
		zap.Uint64("generation", ld.generation))

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if b.timeout > 0 {
		ctx, cancel = context.WithTimeout(b.ctx, b.timeout)
	} else {
		ctx, cancel = context.WithCancel(b.ctx)
	}
	go b.run(ctx, cancel, ld)

	return ld
}

// failLocked records a synchronous validation failure. It also invalidates any load in
// flight so that it cannot overwrite the error.
func (b *Bootstrapper) failLocked(locale string, err error) *load {
	b.supersedeLocked()
	b.generation++
	b.state.Err = err
	b.state.Loading = false
	return settled(b.generation, locale, nil, err)
}

// supersedeLocked stops the pending load from publishing. The load itself keeps
// running so that requests already waiting on it still get its instance.
func (b *Bootstrapper) supersedeLocked() {
	if b.pending == nil {
		return
	}
	b.generation++
	b.pending = nil
}

func (b *Bootstrapper) run(ctx context.Context, cancel context.CancelFunc, ld *load) {
	start := time.Now()
	inst, err := b.builder.New(ctx, ld.locale)
	duration := time.Since(start)
	cancel()

	ld.inst, ld.err = inst, err

	b.mu.Lock()
	current := ld.generation == b.generation
	if current {
		b.pending = nil
		if err != nil {
			b.state.Err = err
			b.state.Loading = false
		} else {
			b.state = State{Instance: inst, ActiveLocale: ld.locale}
		}
	}
	b.mu.Unlock()

	defer close(ld.done)

	if !current {
		b.logger.Debug("Discarding stale translation load",
			zap.String("locale", ld.locale),
			zap.Uint64("generation", ld.generation))
	} else if err != nil {
		b.logger.Warn("Failed to load translations",
			zap.String("locale", ld.locale),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		b.logger.Debug("Translations ready",
			zap.String("locale", ld.locale),
			zap.Duration("duration", duration))
	}

	if b.observer != nil && current {
		b.observer(ld.locale, err, duration)
	}
}

// State returns a snapshot of the current state.
func (b *Bootstrapper) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Await bootstraps locale and blocks until its load settles. It returns the
// instance built by that load even when a newer request has since replaced it as
// the published state. Loads interrupted by Close report ErrClosed.
func (b *Bootstrapper) Await(ctx context.Context, locale string) (*Instance, error) {
	ld := b.bootstrap(locale)

	select {
	case <-ld.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if ld.err != nil && b.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return ld.inst, ld.err
}

// Close cancels any load in flight. Later requests fail with ErrClosed.
func (b *Bootstrapper) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.supersedeLocked()
	b.state.Loading = false
	b.cancel()
}
