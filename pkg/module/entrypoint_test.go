package module

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSymbol is the in-memory Opener/Symbol fake used in place of real
// plugin.Open — see the Opener doc comment for why real .so plugins
// aren't viable in tests.
type fakeSymbol struct {
	values map[string]any
}

func (f *fakeSymbol) Lookup(name string) (any, error) {
	v, ok := f.values[name]
	if !ok {
		return nil, errors.New("symbol not found: " + name)
	}
	return v, nil
}

func TestResolve_ZeroArgMain(t *testing.T) {
	desc := "hello world"
	sym := &fakeSymbol{values: map[string]any{
		"KiwiDescription": &desc,
		"KiwiMain":        func() {},
	}}

	ep, err := Resolve(sym)
	require.NoError(t, err)
	assert.Equal(t, "hello world", ep.Description)
	assert.Equal(t, 0, ep.Arity())

	code, err := ep.Invoke(nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestResolve_OneArgMainReturningError(t *testing.T) {
	sym := &fakeSymbol{values: map[string]any{
		"KiwiMain": func(h any) error { return errors.New("boom") },
	}}

	ep, err := Resolve(sym)
	require.NoError(t, err)
	assert.Equal(t, 1, ep.Arity())

	code, err := ep.Invoke("helper", nil)
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestResolve_TwoArgMain(t *testing.T) {
	deps := []string{"helloworld"}
	var gotArgs []string
	sym := &fakeSymbol{values: map[string]any{
		"KiwiDependencies": &deps,
		"KiwiMain": func(h any, args []string) (int, error) {
			gotArgs = args
			return 7, nil
		},
	}}

	ep, err := Resolve(sym)
	require.NoError(t, err)
	assert.Equal(t, []string{"helloworld"}, ep.Dependencies)

	code, err := ep.Invoke("helper", []string{"--flag"})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Equal(t, []string{"--flag"}, gotArgs)
}

// TestResolve_TwoArgMainWithNonSliceSecond exercises the server-side
// shape: a 2-arg KiwiMain whose second parameter is not []string but an
// arbitrary struct (standing in for *bridge.Ingress, which module can't
// import without creating a cycle).
func TestResolve_TwoArgMainWithNonSliceSecond(t *testing.T) {
	type ingressStub struct{ path string }

	var got *ingressStub
	sym := &fakeSymbol{values: map[string]any{
		"KiwiMain": func(h any, ing *ingressStub) (int, error) {
			got = ing
			return 0, nil
		},
	}}

	ep, err := Resolve(sym)
	require.NoError(t, err)

	ing := &ingressStub{path: "/tmp/kiwi-ingress.sock"}
	code, err := ep.Invoke("helper", ing)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Same(t, ing, got)
}

func TestResolve_MissingKiwiMain(t *testing.T) {
	sym := &fakeSymbol{values: map[string]any{}}
	_, err := Resolve(sym)
	assert.Error(t, err)
}

func TestResolve_TooManyParameters(t *testing.T) {
	sym := &fakeSymbol{values: map[string]any{
		"KiwiMain": func(a, b, c any) {},
	}}
	_, err := Resolve(sym)
	assert.Error(t, err)
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("helloworld"))
	assert.True(t, ValidName("hello-world-2"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("hello/world"))
	assert.False(t, ValidName("hello world"))
}

func TestSha256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sha256Hex(nil))
}
