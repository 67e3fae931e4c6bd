package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/vlad-pbr/kiwi/pkg/module"
)

// FetchResult classifies the outcome of a fetch/update run, mirroring
// the three buckets the original client reports (fetched, updatable /
// updated, failed).
type FetchResult struct {
	Fetched []string
	Updated []string
	Failed  []string
}

// Fetch downloads the named modules (and, transitively, every module
// any of them depends on via KiwiDependencies) from the remote manifest.
// When update is false, modules already installed and up to date are
// left alone and modules with available newer content are reported in
// Updated without being downloaded; when update is true, outdated
// modules are re-downloaded. A dependency cycle is tolerated: the
// closure computation is a fixpoint over a visited set, so a module
// depending (directly or indirectly) on itself is simply fetched once.
func (c *Catalog) Fetch(ctx context.Context, names []string, update bool) (*FetchResult, error) {
	manifest, err := c.RemoteManifest(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]module.ManifestModule, len(manifest.Modules))
	for _, mm := range manifest.Modules {
		byName[mm.Name] = mm
	}

	closure := c.dependencyClosure(names, byName)

	result := &FetchResult{}
	for _, name := range closure {
		mm, ok := byName[name]
		if !ok {
			result.Failed = append(result.Failed, name)
			continue
		}

		local, installed := c.Get(name)
		needsUpdate := installed && !sameFiles(local.Files, mm.FileMap())

		switch {
		case !installed:
			if err := c.download(ctx, mm, nil); err != nil {
				result.Failed = append(result.Failed, name)
				continue
			}
			result.Fetched = append(result.Fetched, name)

		case needsUpdate && update:
			var localFiles map[string]string
			if local != nil {
				localFiles = local.Files
			}
			if err := c.download(ctx, mm, localFiles); err != nil {
				result.Failed = append(result.Failed, name)
				continue
			}
			result.Updated = append(result.Updated, name)

		case needsUpdate && !update:
			result.Updated = append(result.Updated, name) // reported as updatable, not downloaded
		}
	}

	return result, nil
}

// dependencyClosure expands names into the fixpoint of itself plus every
// manifest-declared dependency, each module appearing once regardless of
// how many others depend on it.
func (c *Catalog) dependencyClosure(names []string, byName map[string]module.ManifestModule) []string {
	seen := make(map[string]bool)
	var order []string

	var visit func(string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		order = append(order, name)

		mm, ok := byName[name]
		if !ok {
			return
		}
		for _, dep := range mm.Dependencies {
			visit(dep)
		}
	}

	for _, n := range names {
		visit(n)
	}
	return order
}

// sameFiles reports whether two relpath->sha256 maps are identical.
func sameFiles(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// download retrieves a manifest module's files and writes them
// atomically under modulesDir/<name>, so a reader (or a concurrent
// Loader invocation) never observes a partially-written file. When
// localFiles is nil, every file is downloaded (the not-installed path);
// otherwise only files whose hash differs from localFiles are
// downloaded (the update path), per spec.md's "every file" vs.
// "differing files" distinction.
func (c *Catalog) download(ctx context.Context, mm module.ManifestModule, localFiles map[string]string) error {
	home := filepath.Join(c.modulesDir, mm.Name)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", home, err)
	}

	for _, f := range mm.Files {
		if localFiles != nil && localFiles[f.Path] == f.SHA256 {
			continue
		}
		if err := c.downloadFile(ctx, mm.Name, f.Path); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) downloadFile(ctx context.Context, moduleName, relPath string) error {
	target := filepath.Join(c.modulesDir, moduleName, relPath)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	fileURL := strings.TrimRight(c.baseURL(), "/") + "/" + moduleName + "/" + url.PathEscape(relPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("fetching %s: status %d", fileURL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, target)
}

// baseURL derives the per-module file base from the manifest URL's
// directory, e.g. "https://host/modules.json" -> "https://host/modules".
func (c *Catalog) baseURL() string {
	return strings.TrimSuffix(c.remoteURL, ".json")
}
