package signer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Well-known export names probed on a module.
const (
	ExportSign    = "sign"
	ExportInit    = "init"
	ExportDefault = "default"
)

// ErrNotFound is returned by a Resolver that has no module of the given name.
var ErrNotFound = errors.New("signer module not found")

// Module is a resolved plugin whose exports can be looked up by name.
type Module interface {
	Lookup(name string) (any, bool)
}

// Resolver finds a module by its well-known name.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, name string) (Module, error)
}

// Exports is a static Module backed by a map.
type Exports map[string]any

func (e Exports) Lookup(name string) (any, bool) {
	v, ok := e[name]
	return v, ok
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Module{}
)

// Register makes a module resolvable in-process under name, the way
// database/sql drivers register themselves. Registering a nil module
// removes the name.
func Register(name string, m Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if m == nil {
		delete(registry, name)
		return
	}
	registry[name] = m
}

// Registered lists in-process module names.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RegistryResolver resolves modules added with Register.
type RegistryResolver struct{}

func (RegistryResolver) Name() string { return "builtin" }

func (RegistryResolver) Resolve(_ context.Context, name string) (Module, error) {
	registryMu.RLock()
	m, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return m, nil
}

// Chain tries resolvers in order. A resolver error other than ErrNotFound
// stops the chain.
type Chain []Resolver

func (c Chain) Name() string { return "chain" }

// ResolveSource returns the module and the name of the resolver that found it.
func (c Chain) ResolveSource(ctx context.Context, name string) (Module, string, error) {
	for _, r := range c {
		if r == nil {
			continue
		}
		m, err := r.Resolve(ctx, name)
		if err == nil {
			return m, r.Name(), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, r.Name(), fmt.Errorf("%s resolver: %w", r.Name(), err)
		}
	}
	return nil, "", fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (c Chain) Resolve(ctx context.Context, name string) (Module, error) {
	m, _, err := c.ResolveSource(ctx, name)
	return m, err
}
