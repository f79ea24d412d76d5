// Package goplugin resolves signing backends built with -buildmode=plugin.
//
// <dir>/<name>.so may export Sign, Init and Default. Sign and Init are
// functions; Default is either a constructor function or a variable holding
// an object with Sign/Generate/SignURL/Init methods.
package goplugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"plugin"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
)

var symbolNames = map[string]string{
	signer.ExportSign:    "Sign",
	signer.ExportInit:    "Init",
	signer.ExportDefault: "Default",
}

type Resolver struct {
	Dir string
}

func (r *Resolver) Name() string { return "goplugin" }

func (r *Resolver) Resolve(_ context.Context, name string) (signer.Module, error) {
	path := filepath.Clean(filepath.Join(r.Dir, name+".so"))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", signer.ErrNotFound, path)
		}
		return nil, err
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	return &Module{p: p}, nil
}

// Module exposes plugin symbols under the well-known export names. Go
// plugins cannot be unloaded, so there is nothing to close.
type Module struct {
	p *plugin.Plugin
}

func (m *Module) Lookup(name string) (any, bool) {
	symbol, ok := symbolNames[name]
	if !ok {
		return nil, false
	}
	sym, err := m.p.Lookup(symbol)
	if err != nil {
		return nil, false
	}
	return sym, true
}
