package helper

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	called bool
	name   string
}

func (f *fakeRunner) RunModule(name, argline string, client, foreground bool) (int, error) {
	f.called = true
	f.name = name
	return 0, nil
}

type fakeBridge struct {
	called bool
}

func (f *fakeBridge) Request(moduleName string, body any) (*http.Response, error) {
	f.called = true
	return &http.Response{StatusCode: 200}, nil
}

func newTestHelper(t *testing.T) *Helper {
	t.Helper()
	home := t.TempDir()
	modulesDir := filepath.Join(home, "modules")
	require.NoError(t, os.MkdirAll(filepath.Join(modulesDir, "helloworld"), 0o755))
	return New("helloworld", "says hello", home, modulesDir, discardLogger(), &fakeRunner{}, &fakeBridge{})
}

func TestHelper_ModuleHome(t *testing.T) {
	h := newTestHelper(t)
	assert.Equal(t, filepath.Join(h.modulesDir, "helloworld"), h.ModuleHome())
}

func TestHelper_Module(t *testing.T) {
	runner := &fakeRunner{}
	h := New("helloworld", "", t.TempDir(), t.TempDir(), discardLogger(), runner, &fakeBridge{})
	_, err := h.Module("other", "", false)
	require.NoError(t, err)
	assert.True(t, runner.called)
	assert.Equal(t, "other", runner.name)
}

func TestHelper_Request(t *testing.T) {
	bridge := &fakeBridge{}
	h := New("helloworld", "", t.TempDir(), t.TempDir(), discardLogger(), &fakeRunner{}, bridge)
	resp, err := h.Request(map[string]string{"key": "value"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, bridge.called)
}

func TestHelper_WriteCrashlog(t *testing.T) {
	h := newTestHelper(t)
	ok := h.WriteCrashlog("boom")
	assert.True(t, ok)
	data, err := os.ReadFile(filepath.Join(h.ModuleHome(), "crash.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "boom")
}

func TestOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, Overwrite(path, []byte("first")))
	require.NoError(t, Overwrite(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestSha(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sha(nil))
}

func TestAsk_DefaultAnswerSkipsPrompt(t *testing.T) {
	h := newTestHelper(t)
	assert.Equal(t, "y", h.Ask("update?", []string{"y", "n"}, "y"))
}

func TestParseConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module.conf")
	content := "# a comment\n\nhost=localhost\nport = 8080\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"host": "localhost", "port": "8080"}, got)
}
