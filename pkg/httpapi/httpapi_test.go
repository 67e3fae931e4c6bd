package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlad-pbr/kiwi/pkg/bridge"
)

type fakeRunner struct {
	invoked bool
}

func (f *fakeRunner) InvokeServer(ctx context.Context, moduleName string, ing *bridge.Ingress) (*bridge.Envelope, error) {
	f.invoked = true
	return &bridge.Envelope{Status: 200}, nil
}

func newTestServer(t *testing.T) (*Server, string, string) {
	t.Helper()
	modulesDir := t.TempDir()
	runtimeDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modulesDir, "helloworld.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(modulesDir, "helloworld"), 0o755))

	return &Server{
		ModulesDir: modulesDir,
		RuntimeDir: runtimeDir,
		Runner:     &fakeRunner{},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, modulesDir, runtimeDir
}

func TestHandleModule(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	env := bridge.Envelope{Method: http.MethodGet, URL: "/"}
	body, _ := json.Marshal(env)

	resp, err := http.Post(ts.URL+"/module/helloworld/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleAPIListing_Directory(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/modules/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []fileInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.NotEmpty(t, entries)
}

func TestHandleAPIListing_MissingFile404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/modules/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleAsset_PathTraversalRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/assets/modules/../../../../etc/passwd")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestHandleAsset_ServesFile(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/assets/modules/helloworld.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hi", string(data))
}

func TestSafeJoin(t *testing.T) {
	root := "/home/kiwi/modules"
	_, ok := safeJoin(root, "../../etc/passwd")
	assert.False(t, ok)

	abs, ok := safeJoin(root, "helloworld/client.so")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "helloworld/client.so"), abs)
}
