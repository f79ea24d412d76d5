// Package wasmplugin resolves signing backends compiled to WebAssembly.
//
// A module <dir>/<name>.wasm is run on wazero with WASI. Data crosses the
// boundary as JSON, addressed by a packed i64 (ptr<<32 | len):
//
//	allocate(size i32) -> ptr i32          required when input is passed
//	sign(packed i64) -> packed i64         free sign function
//	init(packed i64) -> packed i64         optional warm-up, receives InitConfig
//	generate(packed i64) -> packed i64     alternate method
//	sign_url(packed i64) -> packed i64     alternate method
//	manifest() -> packed i64               optional {"name","version","api_version"}
//
// Every call returns the envelope {"result": <any>, "error": "<message>"}.
// A module without sign but with generate or sign_url is exposed as a
// constructor: each load instantiates a fresh copy of the module.
package wasmplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// DefaultAPIConstraint is the plugin ABI range this host speaks.
const DefaultAPIConstraint = "^1.0.0"

const (
	fnAllocate = "allocate"
	fnSign     = "sign"
	fnInit     = "init"
	fnGenerate = "generate"
	fnSignURL  = "sign_url"
	fnManifest = "manifest"
	fnReactor  = "_initialize"
)

type Manifest struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Resolver loads <Dir>/<name>.wasm.
type Resolver struct {
	Dir string
	// APIConstraint is checked against the manifest api_version when the
	// module exports a manifest. Empty means DefaultAPIConstraint.
	APIConstraint string
}

func (r *Resolver) Name() string { return "wasm" }

func (r *Resolver) Resolve(ctx context.Context, name string) (signer.Module, error) {
	path := filepath.Join(r.Dir, name+".wasm")
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", signer.ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	constraint := r.APIConstraint
	if constraint == "" {
		constraint = DefaultAPIConstraint
	}
	return Compile(ctx, code, constraint)
}

// Module is a compiled wasm plugin and its top-level instance.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	exports  map[string]bool
	top      *Instance
	Manifest *Manifest
}

// Compile prepares code for use. The returned module owns a wazero runtime;
// release it with Close.
func Compile(ctx context.Context, code []byte, apiConstraint string) (*Module, error) {
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	compiled, err := rt.CompileModule(ctx, code)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	m := &Module{runtime: rt, compiled: compiled, exports: map[string]bool{}}
	for name := range compiled.ExportedFunctions() {
		m.exports[name] = true
	}
	top, err := m.instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	m.top = top
	if m.exports[fnManifest] {
		var mf Manifest
		if err := top.callJSON(ctx, fnManifest, nil, &mf); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		if err := checkAPIVersion(mf.APIVersion, apiConstraint); err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		m.Manifest = &mf
	}
	return m, nil
}

func checkAPIVersion(version, constraint string) error {
	if version == "" || constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid api constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid plugin api_version %q: %w", version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("plugin api_version %s does not satisfy %s", v, constraint)
	}
	return nil
}

func (m *Module) Lookup(name string) (any, bool) {
	switch name {
	case signer.ExportSign:
		if !m.exports[fnSign] {
			return nil, false
		}
		return signer.SignFunc(func(ctx context.Context, url string) (any, error) {
			return m.top.call(ctx, fnSign, url)
		}), true
	case signer.ExportInit:
		if !m.exports[fnInit] {
			return nil, false
		}
		return signer.InitFunc(m.top.Init), true
	case signer.ExportDefault:
		if m.exports[fnSign] || (!m.exports[fnGenerate] && !m.exports[fnSignURL]) {
			return nil, false
		}
		return signer.Constructor(func(ctx context.Context) (any, error) {
			return m.instantiate(ctx)
		}), true
	}
	return nil, false
}

// Close releases the runtime and every instance created from it.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

func (m *Module) instantiate(ctx context.Context) (*Instance, error) {
	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module: %w", err)
	}
	if m.exports[fnReactor] {
		if _, err := mod.ExportedFunction(fnReactor).Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, fmt.Errorf("call %s: %w", fnReactor, err)
		}
	}
	return &Instance{mod: mod, exports: m.exports}, nil
}

// Instance is one instantiated copy of the module. Calls are serialized
// because guest memory is not safe for concurrent use.
type Instance struct {
	mu      sync.Mutex
	mod     api.Module
	exports map[string]bool
}

func (i *Instance) Generate(ctx context.Context, url string) (any, error) {
	return i.call(ctx, fnGenerate, url)
}

func (i *Instance) SignURL(ctx context.Context, url string) (any, error) {
	return i.call(ctx, fnSignURL, url)
}

func (i *Instance) Init(ctx context.Context, cfg signer.InitConfig) error {
	if !i.exports[fnInit] {
		return nil
	}
	var ignored any
	return i.callJSON(ctx, fnInit, cfg, &ignored)
}

func (i *Instance) call(ctx context.Context, fn, url string) (any, error) {
	var out any
	if err := i.callJSON(ctx, fn, url, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *Instance) callJSON(ctx context.Context, fn string, in, out any) error {
	var input []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s input: %w", fn, err)
		}
		input = b
	}

	i.mu.Lock()
	data, err := i.callRaw(ctx, fn, input)
	i.mu.Unlock()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode %s output: %w", fn, err)
	}
	if env.Error != "" {
		return errors.New(env.Error)
	}
	if len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// callRaw must be called with i.mu held.
func (i *Instance) callRaw(ctx context.Context, name string, input []byte) ([]byte, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("function %q not exported", name)
	}
	var ptr, length uint64
	if len(input) > 0 {
		allocate := i.mod.ExportedFunction(fnAllocate)
		if allocate == nil {
			return nil, fmt.Errorf("function %q not exported", fnAllocate)
		}
		res, err := allocate.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("allocate failed: %w", err)
		}
		ptr = res[0]
		length = uint64(len(input))
		//nolint:gosec // wasm pointers are 32-bit
		if !i.mod.Memory().Write(uint32(ptr), input) {
			return nil, errors.New("failed to write input to guest memory")
		}
	}
	var params []uint64
	if len(fn.Definition().ParamTypes()) > 0 {
		params = append(params, (ptr<<32)|length)
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	packed := res[0]
	//nolint:gosec // wasm pointers are 32-bit
	outPtr, outLen := uint32(packed>>32), uint32(packed)
	if outLen == 0 {
		return nil, nil
	}
	data, ok := i.mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("failed to read %s output from guest memory", name)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
