//go:build !windows

package loader

import (
	"fmt"
	"plugin"

	"github.com/vlad-pbr/kiwi/pkg/module"
)

// PluginOpener is the production module.Opener, backed by the stdlib
// plugin package. Go plugins are only supported on Linux/macOS/FreeBSD,
// which the runtime's deployment targets already assume.
type PluginOpener struct{}

// pluginSymbol adapts *plugin.Plugin to module.Symbol.
type pluginSymbol struct{ p *plugin.Plugin }

func (s pluginSymbol) Lookup(name string) (any, error) {
	sym, err := s.p.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", name, err)
	}
	return sym, nil
}

// Open loads path as a Go plugin. The stdlib caches plugin.Open by path
// and refuses a reopen with a different identity, which is exactly the
// "module files fetched but not yet reloaded" scenario the catalog's
// update flow must account for by restarting the process rather than
// relying on a live re-open.
func (PluginOpener) Open(path string) (module.Symbol, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugin.Open %s: %w", path, err)
	}
	return pluginSymbol{p: p}, nil
}
