package signer

import (
	"context"
	"fmt"
)

// shape probes one export layout. matched reports that the layout applies to
// the module; once a shape matches no later shape is tried, even when the
// capability it built has no usable Sign.
type shape struct {
	name  string
	probe func(ctx context.Context, m Module) (c *Capability, matched bool, err error)
}

// shapes in priority order.
var shapes = []shape{
	{name: "function", probe: probeFunction},
	{name: "constructor", probe: probeConstructor},
	{name: "object", probe: probeObject},
}

// resolveCapability runs the shape probes and returns the first match.
func resolveCapability(ctx context.Context, m Module) (*Capability, string, error) {
	for _, s := range shapes {
		c, matched, err := s.probe(ctx, m)
		if !matched {
			continue
		}
		if err != nil {
			return nil, s.name, err
		}
		return c, s.name, nil
	}
	return nil, "", fmt.Errorf("module exposes neither %q nor %q", ExportSign, ExportDefault)
}

func probeFunction(_ context.Context, m Module) (*Capability, bool, error) {
	sym, ok := m.Lookup(ExportSign)
	sym = deref(sym)
	if !ok || !isFunc(sym) {
		return nil, false, nil
	}
	c := &Capability{}
	if fn, ok := asSignFunc(sym); ok {
		c.Sign = fn
	}
	if initSym, ok := m.Lookup(ExportInit); ok {
		if fn, ok := asInitFunc(deref(initSym)); ok {
			c.Init = fn
		}
	}
	return c, true, nil
}

func probeConstructor(ctx context.Context, m Module) (*Capability, bool, error) {
	sym, ok := m.Lookup(ExportDefault)
	sym = deref(sym)
	if !ok || !isFunc(sym) {
		return nil, false, nil
	}
	ctor, ok := asConstructor(sym)
	if !ok {
		return &Capability{}, true, nil
	}
	instance, err := ctor(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("construct default export: %w", err)
	}
	c := bindInstance(instance)
	c.Instance = instance
	if c.Sign == nil {
		if g, ok := instance.(Generator); ok {
			c.Sign = g.Generate
		}
	}
	return c, true, nil
}

func probeObject(_ context.Context, m Module) (*Capability, bool, error) {
	sym, ok := m.Lookup(ExportDefault)
	sym = deref(sym)
	if !ok || sym == nil || isFunc(sym) {
		return nil, false, nil
	}
	if _, ok := sym.(Signer); !ok {
		return nil, false, nil
	}
	c := bindInstance(sym)
	c.Instance = sym
	return c, true, nil
}

func bindInstance(instance any) *Capability {
	c := &Capability{}
	if s, ok := instance.(Signer); ok {
		c.Sign = s.Sign
	}
	if i, ok := instance.(Initializer); ok {
		c.Init = i.Init
	}
	return c
}
