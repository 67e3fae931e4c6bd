// Package loader resolves a module name to an installed plugin, invokes
// its KiwiMain, and turns a panicking module into a reported crash
// instead of a dead runtime — the Go analogue of the original runtime's
// import_module + chdir + try/except around kiwi_main.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vlad-pbr/kiwi/pkg/apperror"
	"github.com/vlad-pbr/kiwi/pkg/bridge"
	"github.com/vlad-pbr/kiwi/pkg/catalog"
	"github.com/vlad-pbr/kiwi/pkg/module"
)

// Catalog is the subset of the catalog a Loader needs: resolving a
// module name to its installed record, and fetching a name (and its
// dependency closure) on demand.
type Catalog interface {
	Get(name string) (*module.Module, bool)
	Fetch(ctx context.Context, names []string, update bool) (*catalog.FetchResult, error)
}

// HelperFactory builds the per-invocation Helper handed to KiwiMain. It
// is a function rather than a concrete type so the loader package never
// needs to import helper directly, avoiding a helper<->loader cycle
// (helper.Helper.Module calls back into the Loader via ModuleRunner).
type HelperFactory func(name, description string) any

// Loader resolves, opens and invokes module plugins.
type Loader struct {
	modulesDir string
	catalog    Catalog
	opener     module.Opener
	newHelper  HelperFactory

	cdLock     sync.Mutex // serializes chdir-scoped invocations process-wide
	autoAnswer string
}

// SetAutoAnswer propagates the CLI's --yes flag to every Helper this
// Loader builds from here on, via the autoAnswerer seam below.
func (l *Loader) SetAutoAnswer(answer string) { l.autoAnswer = answer }

// autoAnswerer is satisfied by *helper.Helper; kept narrow here for the
// same reason as crashLogger.
type autoAnswerer interface {
	SetAutoAnswer(answer string)
}

// New builds a Loader. opener abstracts plugin.Open so tests can supply
// an in-memory fake instead of a real .so file.
func New(modulesDir string, catalog Catalog, opener module.Opener, newHelper HelperFactory) *Loader {
	return &Loader{modulesDir: modulesDir, catalog: catalog, opener: opener, newHelper: newHelper}
}

// InvokeClient runs a module's client-side entry point with argv and
// reports its exit code (or 1 with an error on crash).
func (l *Loader) InvokeClient(ctx context.Context, name string, argv []string) (exitCode int, err error) {
	code, _, err := l.invoke(ctx, name, true, argv)
	return code, err
}

// RunModule splits argline on whitespace and runs name's client-side
// entry point with it, satisfying helper.ModuleRunner so a module's
// KiwiMain can invoke another module (kiwi.run_module in the original
// runtime). foreground is accepted for interface parity with the
// original but has no effect here: Go has no fork(), so every
// invocation already runs synchronously in the calling goroutine. A
// nested invocation has no caller-supplied context, so it runs under
// context.Background().
func (l *Loader) RunModule(name, argline string, client, foreground bool) (int, error) {
	argv := strings.Fields(argline)
	return l.InvokeClient(context.Background(), name, argv)
}

// InvokeServer runs a module's server-side entry point with a prepared
// Ingress, and returns the Envelope it produced by calling
// ing.Handle(app) — the HTTP Surface's Bridge endpoint handler uses this
// directly.
func (l *Loader) InvokeServer(ctx context.Context, name string, ing *bridge.Ingress) (*bridge.Envelope, error) {
	_, env, err := l.invoke(ctx, name, false, ing)
	return env, err
}

// invoke chdirs the process into the module's home directory for the
// duration of the call — required because process-wide working
// directory state can't be scoped concurrently, invoke holds a global
// lock across the chdir+call+chdir-back sequence. Before opening the
// plugin it implements spec.md §4.4 steps 1 and 4: an uninstalled name
// is fetched once (attempt fetch, then fail unknown if it's still
// absent), and once the entry point is resolved, any of its declared
// KiwiDependencies not already installed are fetched before invocation
// (failing the whole call as unresolved-dependencies if any can't be
// retrieved).
func (l *Loader) invoke(ctx context.Context, name string, client bool, second any) (exitCode int, env *bridge.Envelope, err error) {
	mod, ok := l.catalog.Get(name)
	if !ok {
		if _, fetchErr := l.catalog.Fetch(ctx, []string{name}, false); fetchErr != nil {
			return 1, nil, apperror.Wrap(fetchErr, apperror.KindModuleUnknown, fmt.Sprintf("fetching module %q", name))
		}
		mod, ok = l.catalog.Get(name)
		if !ok {
			return 1, nil, apperror.New(apperror.KindModuleUnknown, fmt.Sprintf("module %q is not installed", name))
		}
	}
	if client && !mod.HasClient {
		return 1, nil, apperror.New(apperror.KindModuleInvalid, module.DescribeMissing(name, true))
	}
	if !client && !mod.HasServer {
		return 1, nil, apperror.New(apperror.KindModuleInvalid, module.DescribeMissing(name, false))
	}

	home := filepath.Join(l.modulesDir, name)
	entryPath := filepath.Join(home, module.EntryPointFile(client))

	sym, err := l.opener.Open(entryPath)
	if err != nil {
		return 1, nil, apperror.Wrap(err, apperror.KindModuleInvalid, fmt.Sprintf("opening %s", entryPath))
	}

	ep, err := module.Resolve(sym)
	if err != nil {
		return 1, nil, apperror.Wrap(err, apperror.KindModuleInvalid, fmt.Sprintf("resolving entry point for %q", name))
	}

	if missing := l.missingDependencies(ep.Dependencies); len(missing) > 0 {
		res, fetchErr := l.catalog.Fetch(ctx, missing, false)
		if fetchErr != nil || (res != nil && len(res.Failed) > 0) {
			return 1, nil, apperror.New(apperror.KindDependencyUnresolved,
				fmt.Sprintf("module %q has unresolved dependencies: %s", name, strings.Join(missing, ", ")))
		}
	}

	h := l.newHelper(name, ep.Description)
	if l.autoAnswer != "" {
		if aa, ok := h.(autoAnswerer); ok {
			aa.SetAutoAnswer(l.autoAnswer)
		}
	}

	l.cdLock.Lock()
	defer l.cdLock.Unlock()

	prevDir, dirErr := os.Getwd()
	if dirErr == nil {
		if err := os.Chdir(home); err != nil {
			return 1, nil, apperror.Wrap(err, apperror.KindModuleInvalid, fmt.Sprintf("entering %s", home))
		}
		defer os.Chdir(prevDir)
	}

	code, err := l.runWithRecover(ep, h, second, name)

	var respEnv *bridge.Envelope
	if ing, ok := second.(*bridge.Ingress); ok {
		respEnv = ing.Response
	}
	return code, respEnv, err
}

// missingDependencies returns the subset of deps not already installed,
// in declared order.
func (l *Loader) missingDependencies(deps []string) []string {
	var missing []string
	for _, dep := range deps {
		if _, ok := l.catalog.Get(dep); !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

// runWithRecover calls the entry point, converting a panic or a returned
// error into a crash log entry and a KindModuleCrash error (exit code 1)
// rather than propagating it — a module crashing must not take the
// runtime down with it.
func (l *Loader) runWithRecover(ep *module.EntryPoint, h any, second any, name string) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ch, ok := h.(crashLogger); ok {
				ch.WriteCrashlog(r)
			}
			code = 1
			err = apperror.New(apperror.KindModuleCrash, fmt.Sprintf("module %q crashed: %v", name, r))
		}
	}()
	code, err = ep.Invoke(h, second)
	if err != nil {
		if ch, ok := h.(crashLogger); ok {
			ch.WriteCrashlog(err)
		}
		return 1, apperror.Wrap(err, apperror.KindModuleCrash, fmt.Sprintf("module %q failed", name))
	}
	return code, nil
}

// crashLogger is satisfied by *helper.Helper; kept narrow here to avoid
// the import cycle described on HelperFactory.
type crashLogger interface {
	WriteCrashlog(moduleErr any) bool
}
