// Package httpapi implements the HTTP Surface: the module RPC endpoint,
// asset listing/serving for the modules and runtime trees, and
// self-download of the runtime binary — an explicit server-state value
// constructed once at daemon start and passed to every handler, in
// place of the original runtime's global KIWI/API/ASSETS tables.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vlad-pbr/kiwi/pkg/bridge"
)

// ModuleRunner is the subset of the Loader the API app needs to run a
// module's server-side half for an inbound RPC.
type ModuleRunner interface {
	InvokeServer(ctx context.Context, moduleName string, ing *bridge.Ingress) (*bridge.Envelope, error)
}

// Server bundles the state every handler needs: asset roots, the
// module runner, the binary path for self-download, and a logger.
type Server struct {
	ModulesDir  string
	RuntimeDir  string
	BinaryPath  string
	Runner      ModuleRunner
	Logger      *slog.Logger
	MetricsOn   bool
}

// Mux builds the API app's http.Handler: the fixed route table from the
// runtime's HTTP Surface, wrapped in a per-request logging middleware.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /module/{module}/", s.handleModule)
	mux.HandleFunc("GET /api/modules/", s.handleAPIListing(s.ModulesDir, "/api/modules/"))
	mux.HandleFunc("GET /api/runtime/", s.handleAPIListing(s.RuntimeDir, "/api/runtime/"))
	mux.HandleFunc("GET /assets/modules/", s.handleAsset(s.ModulesDir, "/assets/modules/"))
	mux.HandleFunc("GET /assets/runtime/", s.handleAsset(s.RuntimeDir, "/assets/runtime/"))
	mux.HandleFunc("GET /assets/kiwi/", s.handleKiwiBinary)

	if s.MetricsOn {
		mux.Handle("/metrics", promhttp.Handler())
	}

	return s.withRequestLog(mux)
}

// withRequestLog logs every request in the original runtime's format:
// "<timestamp> - <component> - <level> - <reqid>: <msg>", rendered here
// through slog's structured fields rather than a hand-built string.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := bridge.NewRequestID()
		log := s.Logger.With("component", "api", "request_id", reqID)
		log.Info("received request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
		log.Info("finished request", "method", r.Method, "path", r.URL.Path)
	})
}

// handleModule is the Bridge endpoint: POST /module/<name>/.
func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("module")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	var env bridge.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed bridge envelope", http.StatusBadRequest)
		return
	}

	environment := map[string]string{"REMOTE_ADDR": r.RemoteAddr}
	ing, err := bridge.NewIngress(&env, environment)
	if err != nil {
		http.Error(w, "preparing ingress", http.StatusInternalServerError)
		return
	}

	resp, err := s.Runner.InvokeServer(r.Context(), name, ing)
	if err != nil || resp == nil {
		s.Logger.Error("serverside module invocation failed", "module", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// fileInfo is the wire shape of a single asset listing entry.
type fileInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// handleAPIListing returns modules/runtime directory listings as JSON,
// or a single file's info for a file path. 404 on anything outside root
// or missing.
func (s *Server) handleAPIListing(root, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, prefix)
		abs, ok := safeJoin(root, rel)
		if !ok {
			http.NotFound(w, r)
			return
		}

		info, err := os.Stat(abs)
		if err != nil {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")

		if !info.IsDir() {
			enc.Encode(fileInfo{Name: info.Name(), Type: "file"})
			return
		}

		entries, err := os.ReadDir(abs)
		if err != nil {
			http.Error(w, "reading directory", http.StatusInternalServerError)
			return
		}
		out := make([]fileInfo, 0, len(entries))
		for _, e := range entries {
			t := "file"
			if e.IsDir() {
				t = "dir"
			}
			out = append(out, fileInfo{Name: e.Name(), Type: t})
		}
		enc.Encode(out)
	}
}

// handleAsset serves raw files under root, rejecting any path that
// escapes it.
func (s *Server) handleAsset(root, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := strings.TrimPrefix(r.URL.Path, prefix)
		abs, ok := safeJoin(root, rel)
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, abs)
	}
}

// handleKiwiBinary serves the runtime binary itself, for self-update.
func (s *Server) handleKiwiBinary(w http.ResponseWriter, r *http.Request) {
	if s.BinaryPath == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, s.BinaryPath)
}

// safeJoin joins root and rel, rejecting any result that escapes root
// (path traversal via "..").
func safeJoin(root, rel string) (string, bool) {
	abs := filepath.Join(root, rel)
	if !strings.HasPrefix(abs, filepath.Clean(root)+string(filepath.Separator)) && abs != filepath.Clean(root) {
		return "", false
	}
	return abs, true
}
