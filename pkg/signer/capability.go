package signer

import (
	"context"
	"reflect"
)

// SignFunc signs a URL. The result shape is up to the backend: a signed URL
// string or a structured value.
type SignFunc func(ctx context.Context, url string) (any, error)

// InitFunc warms a backend up before its first use.
type InitFunc func(ctx context.Context, cfg InitConfig) error

// Constructor creates a backend instance, like a default-exported class.
type Constructor func(ctx context.Context) (any, error)

// Method sets a backend instance may implement.
type (
	Signer interface {
		Sign(ctx context.Context, url string) (any, error)
	}
	Generator interface {
		Generate(ctx context.Context, url string) (any, error)
	}
	URLSigner interface {
		SignURL(ctx context.Context, url string) (any, error)
	}
	Initializer interface {
		Init(ctx context.Context, cfg InitConfig) error
	}
)

// LaunchOptions configures a headless execution environment a backend may start.
type LaunchOptions struct {
	Args []string `json:"args"`
}

type InitConfig struct {
	LaunchOptions LaunchOptions `json:"launchOptions"`
}

// DefaultInitConfig is passed to every backend Init: no OS sandbox, no
// shared-memory device, single process.
func DefaultInitConfig() InitConfig {
	return InitConfig{LaunchOptions: LaunchOptions{Args: []string{
		"--no-sandbox",
		"--disable-setuid-sandbox",
		"--disable-dev-shm-usage",
		"--single-process",
	}}}
}

// Capability is the canonical handle produced by any export shape.
// Instance is only used to look up alternate method names.
type Capability struct {
	Sign     SignFunc
	Init     InitFunc
	Instance any
	Source   string
}

// Alternates returns the instance's Generate and SignURL methods, in that
// order, when it has them.
func (c *Capability) Alternates() []Alternate {
	if c == nil || c.Instance == nil {
		return nil
	}
	var out []Alternate
	if g, ok := c.Instance.(Generator); ok {
		out = append(out, Alternate{Name: "generate", Call: g.Generate})
	}
	if s, ok := c.Instance.(URLSigner); ok {
		out = append(out, Alternate{Name: "signUrl", Call: s.SignURL})
	}
	return out
}

type Alternate struct {
	Name string
	Call SignFunc
}

// asSignFunc accepts the function signatures plugins commonly export.
func asSignFunc(sym any) (SignFunc, bool) {
	switch fn := sym.(type) {
	case SignFunc:
		return fn, fn != nil
	case func(context.Context, string) (any, error):
		return fn, fn != nil
	case func(context.Context, string) (string, error):
		if fn == nil {
			return nil, false
		}
		return func(ctx context.Context, url string) (any, error) { return fn(ctx, url) }, true
	case func(string) (any, error):
		if fn == nil {
			return nil, false
		}
		return func(_ context.Context, url string) (any, error) { return fn(url) }, true
	case func(string) (string, error):
		if fn == nil {
			return nil, false
		}
		return func(_ context.Context, url string) (any, error) { return fn(url) }, true
	case func(string) string:
		if fn == nil {
			return nil, false
		}
		return func(_ context.Context, url string) (any, error) { return fn(url), nil }, true
	}
	return nil, false
}

func asInitFunc(sym any) (InitFunc, bool) {
	switch fn := sym.(type) {
	case InitFunc:
		return fn, fn != nil
	case func(context.Context, InitConfig) error:
		return fn, fn != nil
	case func(context.Context) error:
		if fn == nil {
			return nil, false
		}
		return func(ctx context.Context, _ InitConfig) error { return fn(ctx) }, true
	case func() error:
		if fn == nil {
			return nil, false
		}
		return func(context.Context, InitConfig) error { return fn() }, true
	}
	return nil, false
}

func asConstructor(sym any) (Constructor, bool) {
	switch fn := sym.(type) {
	case Constructor:
		return fn, fn != nil
	case func(context.Context) (any, error):
		return fn, fn != nil
	case func() (any, error):
		if fn == nil {
			return nil, false
		}
		return func(context.Context) (any, error) { return fn() }, true
	case func() any:
		if fn == nil {
			return nil, false
		}
		return func(context.Context) (any, error) { return fn(), nil }, true
	}
	return nil, false
}

// isFunc reports whether sym is a function value of any signature.
func isFunc(sym any) bool {
	return sym != nil && reflect.TypeOf(sym).Kind() == reflect.Func
}

// deref unwraps pointers to interface, pointer or func values, which is how
// exported package-level variables come back from a symbol lookup.
func deref(sym any) any {
	rv := reflect.ValueOf(sym)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sym
	}
	switch rv.Elem().Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Func:
		if rv.Elem().IsNil() {
			return nil
		}
		return rv.Elem().Interface()
	}
	return sym
}
