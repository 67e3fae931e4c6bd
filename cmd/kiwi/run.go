package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vlad-pbr/kiwi/pkg/apperror"
	"github.com/vlad-pbr/kiwi/pkg/bridge"
	"github.com/vlad-pbr/kiwi/pkg/cache"
	"github.com/vlad-pbr/kiwi/pkg/catalog"
	"github.com/vlad-pbr/kiwi/pkg/config"
	"github.com/vlad-pbr/kiwi/pkg/cyclops"
	"github.com/vlad-pbr/kiwi/pkg/daemon"
	"github.com/vlad-pbr/kiwi/pkg/helper"
	"github.com/vlad-pbr/kiwi/pkg/httpapi"
	"github.com/vlad-pbr/kiwi/pkg/kiwilog"
	"github.com/vlad-pbr/kiwi/pkg/loader"
	"github.com/vlad-pbr/kiwi/pkg/module"
)

// run dispatches a parsed invocation to the config dumper, Catalog,
// Daemon or Loader, mirroring the original runtime's client.py
// run(kiwi, args) branches; the first flag set, in the order of the
// switch below, wins.
func run(ctx context.Context, flags *rootFlags, args []string) error {
	home := homeDir()
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}

	modulesDir := cfg.GetString("modules_dir")
	runtimeDir := cfg.GetString("runtime_dir")
	for _, dir := range []string{home, modulesDir, runtimeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	log := newLogger(cfg)

	switch {
	case flags.dumpConfig != "":
		return runDumpConfig(cfg, flags.dumpConfig)
	case flags.listModules:
		return runListModules(ctx, cfg, log)
	case flags.getModules != nil:
		return runGetModules(ctx, cfg, flags.getModules, false)
	case flags.updateModules != nil:
		return runGetModules(ctx, cfg, flags.updateModules, true)
	case flags.selfUpdate:
		return runSelfUpdate(log, cfg)
	case flags.startServer:
		return runStartServer(ctx, cfg, log, modulesDir, runtimeDir)
	}

	if len(args) == 0 {
		return &invocationError{msg: "kiwi: no module given; pass --list-modules to see what's installed"}
	}
	return runModule(ctx, cfg, modulesDir, args, flags)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return kiwilog.New(kiwilog.Config{
		Level:  cfg.GetString("log.level"),
		Format: cfg.GetString("log.format"),
		Output: cfg.GetString("log.output"),
	})
}

func runDumpConfig(cfg *config.Config, path string) error {
	text, err := cfg.Dump()
	if err != nil {
		return err
	}
	return helper.Overwrite(path, []byte(text))
}

func runListModules(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	cat, err := newCatalog(cfg)
	if err != nil {
		return err
	}

	installed, err := cat.Installed()
	if err != nil {
		return err
	}
	installedNames := make(map[string]bool, len(installed))
	var lines []string
	for _, m := range installed {
		installedNames[m.Name] = true
		lines = append(lines, describeModule(m))
	}

	remote, err := cat.RemoteNames(ctx)
	if err != nil {
		log.Warn("could not reach remote manifest", "error", err)
	}
	for _, name := range remote {
		if !installedNames[name] {
			lines = append(lines, fmt.Sprintf("%s (not installed)", name))
		}
	}

	fmt.Println(bulletedList("modules:", lines))
	return nil
}

func describeModule(m *module.Module) string {
	var halves []string
	if m.HasClient {
		halves = append(halves, "client")
	}
	if m.HasServer {
		halves = append(halves, "server")
	}
	return fmt.Sprintf("%s [%s]", m.Name, strings.Join(halves, "+"))
}

func runGetModules(ctx context.Context, cfg *config.Config, names []string, update bool) error {
	cat, err := newCatalog(cfg)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		if update {
			installed, err := cat.Installed()
			if err != nil {
				return err
			}
			for _, m := range installed {
				names = append(names, m.Name)
			}
		} else {
			names, err = cat.RemoteNames(ctx)
			if err != nil {
				return err
			}
		}
	}

	result, err := cat.Fetch(ctx, names, update)
	if err != nil {
		return err
	}

	if len(result.Fetched) == 0 && len(result.Updated) == 0 && len(result.Failed) == 0 {
		fmt.Println("0 new modules fetched")
		return nil
	}

	if len(result.Fetched) > 0 {
		fmt.Println(bulletedList("fetched:", result.Fetched))
	}
	if len(result.Updated) > 0 {
		fmt.Println(bulletedList("updated:", result.Updated))
	}
	if len(result.Failed) > 0 {
		fmt.Println(bulletedList("failed:", result.Failed))
		return &invocationError{msg: "one or more modules could not be fetched"}
	}
	return nil
}

// runSelfUpdate compares the running binary's hash to the one the
// remote runtime serves at /assets/kiwi/, replacing the local binary
// only when they differ.
func runSelfUpdate(log *slog.Logger, cfg *config.Config) error {
	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating running binary: %w", err)
	}
	localData, err := os.ReadFile(selfPath)
	if err != nil {
		return fmt.Errorf("reading running binary: %w", err)
	}
	localHash := helper.Sha(localData)

	remoteURL := strings.TrimRight(cfg.GetString("remote.base_url"), "/") + "/assets/kiwi/"
	remoteData, err := helper.Get(remoteURL)
	if err != nil {
		return fmt.Errorf("fetching remote binary: %w", err)
	}
	remoteHash := helper.Sha(remoteData)

	if localHash == remoteHash {
		fmt.Println("I'm up to date")
		return nil
	}

	if err := helper.Overwrite(selfPath, remoteData); err != nil {
		return fmt.Errorf("replacing running binary: %w", err)
	}
	if err := os.Chmod(selfPath, 0o755); err != nil {
		log.Warn("could not restore executable bit after self-update", "error", err)
	}
	fmt.Println("updated")
	return nil
}

func runStartServer(ctx context.Context, cfg *config.Config, log *slog.Logger, modulesDir, runtimeDir string) error {
	pidPath := filepath.Join(cfg.GetString("home_dir"), "kiwi.pid")
	probe := daemon.New(pidPath, log)

	if err := probe.EnsureNotRunning(); err != nil {
		if kind, ok := apperror.KindOf(err); ok && kind == apperror.KindDaemonAlreadyRunning {
			fmt.Println(err.Error())
			return nil
		}
		return err
	}

	cat, err := newCatalog(cfg)
	if err != nil {
		return err
	}
	selfPath, _ := os.Executable()

	ld := newLoader(cfg, cat, nil)

	apiServer := &httpapi.Server{
		ModulesDir: modulesDir,
		RuntimeDir: runtimeDir,
		BinaryPath: selfPath,
		Runner:     ld,
		Logger:     log,
		MetricsOn:  true,
	}
	apiAddr := fmt.Sprintf("%s:%d", cfg.GetString("server.api.host"), cfg.GetInt("server.api.port"))
	api := &httpSubServer{
		name:     "api",
		addr:     apiAddr,
		handler:  apiServer.Mux(),
		logger:   log,
		tls:      cfg.GetBool("server.api.tls.enabled"),
		certPath: cfg.GetString("server.api.tls.cert"),
		keyPath:  cfg.GetString("server.api.tls.key"),
	}

	servers := []daemon.SubServer{api}
	if cfg.GetBool("server.cyclops.enabled") {
		cyc := cyclops.New(cfg.GetString("server.cyclops.schedule"), log, reconcileAction(cat))
		servers = append(servers, cyc)

		cyclopsAddr := fmt.Sprintf("%s:%d", cfg.GetString("server.cyclops.host"), cfg.GetInt("server.cyclops.port"))
		servers = append(servers, &httpSubServer{name: "cyclops-http", addr: cyclopsAddr, handler: cyc.Mux(), logger: log})
	}

	d := daemon.New(pidPath, log, servers...)

	fmt.Println("starting kiwi daemon")
	return d.Start(ctx)
}

// reconcileAction is the Cyclops Action plugged in for kiwi's one
// built-in scheduled job: refreshing the remote manifest cache so a
// stale cached copy never outlives its TTL unnoticed.
func reconcileAction(cat *catalog.Catalog) cyclops.Action {
	return func(ctx context.Context, entry cyclops.ScheduleEntry) error {
		if entry.Action != "refresh-manifest" {
			return nil
		}
		_, err := cat.RemoteManifest(ctx)
		return err
	}
}

func runModule(ctx context.Context, cfg *config.Config, modulesDir string, args []string, flags *rootFlags) error {
	name := args[0]
	moduleArgs := args[1:]

	if !module.ValidName(name) {
		return &invocationError{msg: fmt.Sprintf("kiwi: %q is not a valid module name", name)}
	}
	if flags.server {
		return &invocationError{msg: "kiwi: --server modules are invoked by the HTTP surface, not from the CLI"}
	}

	cat, err := newCatalog(cfg)
	if err != nil {
		return err
	}
	bc, err := newBridgeClient(cfg)
	if err != nil {
		return err
	}
	ld := newLoader(cfg, cat, bc)
	ld.SetAutoAnswer(autoAnswerFor(flags))

	code, err := ld.InvokeClient(ctx, name, moduleArgs)
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// autoAnswerFor implements --yes: pre-answer "y" to every ask prompt a
// module raises.
func autoAnswerFor(flags *rootFlags) string {
	if flags.yes {
		return "y"
	}
	return ""
}

func newCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	opts := cache.FromConfig(cfg.GetString("cache.driver"), cfg.GetDuration("cache.default_ttl"))
	manifestCache, err := cache.New(opts)
	if err != nil {
		return nil, err
	}

	remoteURL := strings.TrimRight(cfg.GetString("remote.base_url"), "/") + cfg.GetString("remote.modules_path")
	ttl := time.Duration(cfg.GetDuration("cache.default_ttl")) * time.Second
	return catalog.New(cfg.GetString("modules_dir"), remoteURL, http.DefaultClient, manifestCache, ttl), nil
}

func newBridgeClient(cfg *config.Config) (*bridge.Client, error) {
	return bridge.NewClient(bridge.ClientConfig{
		RemoteBaseURL: strings.TrimRight(cfg.GetString("remote.base_url"), "/"),
		TLSEnabled:    cfg.GetBool("remote.tls.enabled"),
		TLSCACertPath: cfg.GetString("remote.tls.ca_chain"),
		Timeout:       time.Duration(cfg.GetDuration("remote.timeout_seconds")) * time.Second,
		MaxRetries:    uint64(cfg.GetInt("remote.max_retries")),
	})
}

// newLoader wires a Loader whose HelperFactory builds a Helper capable
// of calling back into the same Loader (Helper.Module) and into the
// Bridge client (Helper.Request). The factory closes over a pointer
// assigned after loader.New returns, so the Loader need not exist yet
// when the closure is constructed.
func newLoader(cfg *config.Config, cat *catalog.Catalog, bc *bridge.Client) *loader.Loader {
	modulesDir := cfg.GetString("modules_dir")
	log := newLogger(cfg)

	// bc is boxed into a helper.Requester here, rather than passed through
	// as *bridge.Client, so a nil bc produces a genuinely nil interface
	// (Helper.Request's nil check relies on that).
	var requester helper.Requester
	if bc != nil {
		requester = bc
	}

	var ld *loader.Loader
	factory := func(name, description string) any {
		home := filepath.Join(modulesDir, name)
		return helper.New(name, description, home, modulesDir, log, runnerAdapter{&ld}, requester)
	}
	ld = loader.New(modulesDir, cat, loader.PluginOpener{}, factory)
	return ld
}

// runnerAdapter defers the *loader.Loader lookup to call time via a
// pointer-to-pointer, satisfying helper.ModuleRunner without requiring
// the Loader to exist before its own HelperFactory is built.
type runnerAdapter struct{ l **loader.Loader }

func (r runnerAdapter) RunModule(name, argline string, client, foreground bool) (int, error) {
	return (*r.l).RunModule(name, argline, client, foreground)
}

// httpSubServer adapts an http.Handler into a daemon.SubServer,
// listening on addr until ctx is cancelled.
type httpSubServer struct {
	name     string
	addr     string
	handler  http.Handler
	logger   *slog.Logger
	tls      bool
	certPath string
	keyPath  string
}

func (s *httpSubServer) Name() string { return s.name }

func (s *httpSubServer) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.handler}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "component", s.name, "addr", s.addr, "tls", s.tls)
		var err error
		if s.tls {
			err = srv.ListenAndServeTLS(s.certPath, s.keyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
