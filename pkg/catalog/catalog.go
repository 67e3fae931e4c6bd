// Package catalog tracks installed modules and reconciles them against
// the remote manifest: listing, fetching and updating, with a
// dependency-closure fixpoint so fetching one module pulls in everything
// it declares via KiwiDependencies.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vlad-pbr/kiwi/pkg/apperror"
	"github.com/vlad-pbr/kiwi/pkg/cache"
	"github.com/vlad-pbr/kiwi/pkg/module"
)

const manifestCacheKey = "remote-manifest"

// Catalog is the authoritative view of installed modules, backed by
// modulesDir on disk, plus a fetcher for the remote manifest.
type Catalog struct {
	modulesDir string
	remoteURL  string
	httpClient *http.Client
	manifest   cache.Cache
	manifestTTL time.Duration
}

// New builds a Catalog. remoteURL is the fully-qualified manifest
// endpoint (remote.base_url + remote.modules_path).
func New(modulesDir, remoteURL string, httpClient *http.Client, manifestCache cache.Cache, manifestTTL time.Duration) *Catalog {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Catalog{
		modulesDir:  modulesDir,
		remoteURL:   remoteURL,
		httpClient:  httpClient,
		manifest:    manifestCache,
		manifestTTL: manifestTTL,
	}
}

// Get resolves an installed module by name (the loader.Catalog
// dependency).
func (c *Catalog) Get(name string) (*module.Module, bool) {
	mods, err := c.Installed()
	if err != nil {
		return nil, false
	}
	for _, m := range mods {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// Installed scans modulesDir and returns one Module per subdirectory,
// hashing its files to populate Files.
func (c *Catalog) Installed() ([]*module.Module, error) {
	entries, err := os.ReadDir(c.modulesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperror.Wrap(err, apperror.KindIOFailed, "listing modules directory")
	}

	var out []*module.Module
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := c.describeLocal(e.Name())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// describeLocal builds a Module from modulesDir/<name>'s contents.
func (c *Catalog) describeLocal(name string) (*module.Module, error) {
	home := filepath.Join(c.modulesDir, name)
	files := make(map[string]string)

	err := filepath.Walk(home, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(home, path)
		if relErr != nil {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		files[rel] = module.Sha256Hex(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &module.Module{
		Name:      name,
		HasClient: files["client.so"] != "",
		HasServer: files["server.so"] != "",
		Files:     files,
	}, nil
}

// RemoteManifest fetches the manifest from remoteURL, serving a cached
// copy (keyed by remoteURL) within manifestTTL when a cache is configured.
func (c *Catalog) RemoteManifest(ctx context.Context) (*module.Manifest, error) {
	if c.manifest != nil {
		if data, err := c.manifest.Get(ctx, c.remoteURL); err == nil {
			var m module.Manifest
			if json.Unmarshal(data, &m) == nil {
				return &m, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.remoteURL, nil)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindNetworkUnreachable, "building manifest request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindNetworkUnreachable, "fetching remote manifest")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindNetworkUnreachable, "reading remote manifest")
	}
	if resp.StatusCode >= 400 {
		return nil, apperror.New(apperror.KindNetworkUnreachable, fmt.Sprintf("remote manifest returned status %d", resp.StatusCode))
	}

	var m module.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, apperror.Wrap(err, apperror.KindManifestMalformed, "parsing remote manifest")
	}

	if c.manifest != nil {
		_ = c.manifest.Set(ctx, c.remoteURL, body, c.manifestTTL)
	}
	return &m, nil
}

// RemoteNames returns every module name advertised by the remote
// manifest.
func (c *Catalog) RemoteNames(ctx context.Context) ([]string, error) {
	m, err := c.RemoteManifest(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.Modules))
	for _, mm := range m.Modules {
		names = append(names, mm.Name)
	}
	return names, nil
}

// Description returns the Description field of the installed module's
// record, or "" when the module is not installed. Installed does not read
// a plugin's KiwiDescription, so that field is empty for every installed
// module, and the remote manifest is not consulted.
func (c *Catalog) Description(name string) string {
	if m, ok := c.Get(name); ok {
		return m.Description
	}
	return ""
}
