// Package signer discovers and owns the pluggable URL-signing backend.
//
// A backend is resolved by a well-known name through a chain of resolvers
// (in-process registry, wasm, Go plugin). Its exports are probed in a fixed
// order of shapes (free sign function, constructor, object) and reduced to a
// single Capability. The Loader owns that capability and the readiness state.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/logging"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signerr"

	"golang.org/x/sync/singleflight"
)

// Lifecycle event types emitted by the Loader.
const (
	EventLoaded     = "signer.loaded"
	EventLoadFailed = "signer.load_failed"
	EventUnloaded   = "signer.unloaded"
)

type Event struct {
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	Shape  string `json:"shape,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// State is a snapshot of the readiness of the backend.
type State struct {
	Ready     bool      `json:"ready"`
	Source    *string   `json:"source"`
	Shape     string    `json:"shape,omitempty"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Closer is implemented by modules holding resources (a wasm runtime, a
// child process) that must be released when the backend is discarded.
type Closer interface {
	Close(ctx context.Context) error
}

type Option func(*Loader)

func WithLogger(l logging.Logger) Option {
	return func(ld *Loader) { ld.log = logging.OrNop(l) }
}

func WithInitConfig(cfg InitConfig) Option {
	return func(ld *Loader) { ld.initConfig = cfg }
}

// WithObserver registers a callback for lifecycle events. It is called
// synchronously and must not block.
func WithObserver(fn func(Event)) Option {
	return func(ld *Loader) {
		if fn != nil {
			ld.observers = append(ld.observers, fn)
		}
	}
}

// Loader owns the backend capability. Ready implies a capability with a
// callable Sign is held.
type Loader struct {
	name       string
	resolver   Resolver
	initConfig InitConfig
	log        logging.Logger
	observers  []func(Event)

	flight singleflight.Group

	mu       sync.RWMutex
	handle   *Capability
	closer   Closer
	source   string
	shape    string
	loadedAt time.Time
	lastErr  error
}

func NewLoader(name string, resolver Resolver, opts ...Option) *Loader {
	l := &Loader{
		name:       name,
		resolver:   resolver,
		initConfig: DefaultInitConfig(),
		log:        logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) Name() string { return l.name }

func (l *Loader) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handle != nil
}

// Capability returns the current handle. Callers keep using the returned
// value even if a reload swaps it out meanwhile.
func (l *Loader) Capability() (*Capability, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handle, l.handle != nil
}

func (l *Loader) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := State{Ready: l.handle != nil, Shape: l.shape, LoadedAt: l.loadedAt}
	if l.source != "" {
		src := l.source
		st.Source = &src
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}

// LastError returns the failure recorded by the last load attempt, if any.
func (l *Loader) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// Load resolves and initializes the backend. It returns immediately when
// the backend is already ready. Concurrent calls share one attempt. No
// error escapes: failures leave the loader not ready and are recorded on
// the state.
func (l *Loader) Load(ctx context.Context) State {
	if l.Ready() {
		return l.State()
	}
	// The shared attempt must outlive the request that happened to start it.
	loadCtx := context.WithoutCancel(ctx)
	_, _, _ = l.flight.Do("load", func() (any, error) {
		l.load(loadCtx)
		return nil, nil
	})
	return l.State()
}

// Unload discards the backend unconditionally.
func (l *Loader) Unload() {
	l.mu.Lock()
	hadHandle := l.handle != nil
	closer := l.closer
	source := l.source
	l.handle = nil
	l.closer = nil
	l.source = ""
	l.shape = ""
	l.loadedAt = time.Time{}
	l.mu.Unlock()

	if closer != nil {
		if err := closer.Close(context.Background()); err != nil {
			l.log.Warn("closing signer module failed", "source", source, "error", err)
		}
	}
	if hadHandle {
		l.log.Info("signer unloaded", "source", source)
	}
	l.emit(Event{Type: EventUnloaded, Source: source})
}

// Reload is Unload followed by Load. Manual reloads and crash recovery both
// go through here.
func (l *Loader) Reload(ctx context.Context) State {
	l.Unload()
	return l.Load(ctx)
}

func (l *Loader) load(ctx context.Context) {
	if l.Ready() {
		return
	}
	c, closer, source, shape, err := l.resolve(ctx)
	if err != nil {
		l.fail(source, err)
		if closer != nil {
			_ = closer.Close(context.Background())
		}
		return
	}

	var initErr error
	if c.Init != nil {
		initErr = l.runInit(ctx, c)
		if initErr != nil {
			l.log.Warn("signer init failed, continuing; sign may still work", "source", source, "error", initErr)
		}
	}

	if c.Sign == nil {
		l.fail(source, signerr.New(signerr.LoadFailed, "module did not expose a usable sign function"))
		if closer != nil {
			_ = closer.Close(context.Background())
		}
		return
	}
	c.Source = source

	l.mu.Lock()
	l.handle = c
	l.closer = closer
	l.shape = shape
	l.loadedAt = time.Now().UTC()
	l.lastErr = initErr
	l.mu.Unlock()

	l.log.Info("signer loaded and ready", "source", source, "shape", shape)
	l.emit(Event{Type: EventLoaded, Source: source, Shape: shape})
}

// resolve finds the module and reduces it to a capability. Panics inside
// plugin code are converted to errors.
func (l *Loader) resolve(ctx context.Context) (c *Capability, closer Closer, source, shape string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = signerr.Wrap(signerr.LoadFailed, "plugin panicked during load", fmt.Errorf("%v", p))
		}
	}()
	if l.resolver == nil {
		return nil, nil, "", "", signerr.New(signerr.LoadFailed, "no resolver configured")
	}

	var m Module
	resolverName := l.resolver.Name()
	if chain, ok := l.resolver.(Chain); ok {
		m, resolverName, err = chain.ResolveSource(ctx, l.name)
	} else {
		m, err = l.resolver.Resolve(ctx, l.name)
	}
	if err != nil {
		return nil, nil, "", "", signerr.Wrap(signerr.LoadFailed, "no compatible signer module found", err)
	}
	source = resolverName + ":" + l.name
	if cl, ok := m.(Closer); ok {
		closer = cl
	}
	l.mu.Lock()
	l.source = source
	l.mu.Unlock()

	c, shape, err = resolveCapability(ctx, m)
	if err != nil {
		return nil, closer, source, shape, signerr.Wrap(signerr.LoadFailed, "resolve "+source, err)
	}
	if c == nil {
		return nil, closer, source, shape, signerr.New(signerr.LoadFailed, "module did not expose a usable sign function")
	}
	return c, closer, source, shape, nil
}

func (l *Loader) runInit(ctx context.Context, c *Capability) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("init panicked: %v", p)
		}
		if err != nil {
			err = signerr.Wrap(signerr.InitFailed, "signer init", err)
		}
	}()
	return c.Init(ctx, l.initConfig)
}

func (l *Loader) fail(source string, err error) {
	l.mu.Lock()
	l.handle = nil
	l.lastErr = err
	l.mu.Unlock()
	reason := err.Error()
	if errors.Is(err, ErrNotFound) {
		l.log.Warn("no compatible signer module found", "name", l.name, "registered", Registered(), "error", err)
	} else {
		l.log.Warn("signer not ready", "name", l.name, "source", source, "error", err)
	}
	l.emit(Event{Type: EventLoadFailed, Source: source, Reason: reason})
}

func (l *Loader) emit(evt Event) {
	for _, fn := range l.observers {
		fn(evt)
	}
}
