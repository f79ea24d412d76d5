package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type generatorOnly struct{ calls int }

func (g *generatorOnly) Generate(_ context.Context, url string) (any, error) {
	g.calls++
	return map[string]any{"signed_url": url + "?g=1", "signature": "deadbeef"}, nil
}

type fullInstance struct{ inited bool }

func (f *fullInstance) Sign(_ context.Context, url string) (any, error) {
	return url + "?X-Bogus=s", nil
}
func (f *fullInstance) Init(_ context.Context, _ InitConfig) error { f.inited = true; return nil }
func (f *fullInstance) SignURL(_ context.Context, url string) (any, error) {
	return url + "?alt=1", nil
}

func TestShapeFunction(t *testing.T) {
	initCalled := false
	m := Exports{
		ExportSign: func(url string) (string, error) { return url + "?X-Bogus=abc", nil },
		ExportInit: func() error { initCalled = true; return nil },
	}
	c, shape, err := resolveCapability(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, "function", shape)
	require.NotNil(t, c.Sign)
	require.NotNil(t, c.Init)

	raw, err := c.Sign(context.Background(), "https://x/v")
	require.NoError(t, err)
	require.Equal(t, "https://x/v?X-Bogus=abc", raw)
	require.NoError(t, c.Init(context.Background(), DefaultInitConfig()))
	require.True(t, initCalled)
}

func TestShapeFunctionWinsOverDefault(t *testing.T) {
	m := Exports{
		ExportSign:    func(url string) string { return "fn:" + url },
		ExportDefault: &fullInstance{},
	}
	c, shape, err := resolveCapability(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, "function", shape)
	require.Nil(t, c.Instance)
}

func TestShapeFunctionUnknownSignatureDoesNotEscalate(t *testing.T) {
	m := Exports{
		ExportSign:    func(a, b int) int { return a + b },
		ExportDefault: &fullInstance{},
	}
	c, shape, err := resolveCapability(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, "function", shape)
	require.Nil(t, c.Sign, "a matched shape is final even without a usable sign")
}

func TestShapeConstructorWithGenerate(t *testing.T) {
	inst := &generatorOnly{}
	m := Exports{ExportDefault: func() any { return inst }}
	c, shape, err := resolveCapability(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, "constructor", shape)
	require.Same(t, inst, c.Instance)
	require.NotNil(t, c.Sign, "generate stands in for a missing sign")

	raw, err := c.Sign(context.Background(), "https://y/z")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"signed_url": "https://y/z?g=1", "signature": "deadbeef"}, raw)

	alts := c.Alternates()
	require.Len(t, alts, 1)
	require.Equal(t, "generate", alts[0].Name)
}

func TestShapeConstructorBindsMethods(t *testing.T) {
	m := Exports{ExportDefault: func(context.Context) (any, error) { return &fullInstance{}, nil }}
	c, shape, err := resolveCapability(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, "constructor", shape)
	require.NotNil(t, c.Sign)
	require.NotNil(t, c.Init)
	alts := c.Alternates()
	require.Len(t, alts, 1)
	require.Equal(t, "signUrl", alts[0].Name)
}

func TestShapeConstructorError(t *testing.T) {
	m := Exports{ExportDefault: func() (any, error) { return nil, errors.New("no browser") }}
	_, shape, err := resolveCapability(context.Background(), m)
	require.Equal(t, "constructor", shape)
	require.ErrorContains(t, err, "no browser")
}

func TestShapeObject(t *testing.T) {
	inst := &fullInstance{}
	c, shape, err := resolveCapability(context.Background(), Exports{ExportDefault: inst})
	require.NoError(t, err)
	require.Equal(t, "object", shape)
	require.NotNil(t, c.Sign)
	require.NotNil(t, c.Init)
	require.Same(t, inst, c.Instance)
	require.Len(t, c.Alternates(), 1)
}

func TestShapeNone(t *testing.T) {
	for _, m := range []Module{
		Exports{},
		Exports{ExportSign: "not a function"},
		Exports{ExportDefault: struct{}{}},
	} {
		c, _, err := resolveCapability(context.Background(), m)
		require.Error(t, err)
		require.Nil(t, c)
	}
}

func TestDerefExportedVariables(t *testing.T) {
	var fn SignFunc = func(_ context.Context, url string) (any, error) { return url, nil }
	c, shape, err := resolveCapability(context.Background(), Exports{ExportSign: &fn})
	require.NoError(t, err)
	require.Equal(t, "function", shape)
	require.NotNil(t, c.Sign)

	var nilFn SignFunc
	_, _, err = resolveCapability(context.Background(), Exports{ExportSign: &nilFn})
	require.Error(t, err)
}
