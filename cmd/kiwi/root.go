package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vlad-pbr/kiwi/pkg/apperror"
)

type rootFlags struct {
	listModules   bool
	getModules    []string
	updateModules []string
	selfUpdate    bool
	dumpConfig    string
	startServer   bool
	yes           bool
	server        bool
}

// newRootCommand builds the single cobra command implementing the
// runtime's whole CLI surface: `kiwi [--list-modules]
// [--get-modules NAMES…] [--update-modules NAMES…] [--self-update]
// [--dump-config PATH] [--start-server] [--yes] [--server] [MODULE
// ARGS…]`.
func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "kiwi [module] [args...]",
		Short:         "kiwi extensible module runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, args)
		},
	}

	fs := cmd.Flags()
	fs.BoolVar(&flags.listModules, "list-modules", false, "list installed and available modules")
	fs.StringSliceVar(&flags.getModules, "get-modules", nil, "fetch new modules by name (empty means all remote modules)")
	fs.StringSliceVar(&flags.updateModules, "update-modules", nil, "update installed modules by name (empty means all installed modules)")
	fs.BoolVar(&flags.selfUpdate, "self-update", false, "update the kiwi binary itself")
	fs.StringVar(&flags.dumpConfig, "dump-config", "", "dump the merged configuration to PATH")
	fs.BoolVar(&flags.startServer, "start-server", false, "start (or stop, if already running) the kiwi daemon")
	fs.BoolVar(&flags.yes, "yes", false, "pre-answer 'y' to all prompts")
	fs.BoolVar(&flags.server, "server", false, "run the server-side half of MODULE instead of the client-side half")

	cmd.SetContext(context.Background())
	return cmd
}

// exitCodeFor maps a returned error to the runtime's 3-value exit code
// contract: 0 success, 1 generic error, 2 bad invocation.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if kind, ok := apperror.KindOf(err); ok {
		switch kind {
		case apperror.KindConfigMalformed, apperror.KindModuleInvalid:
			return 2
		}
	}
	var invocation *invocationError
	if ok := asInvocationError(err, &invocation); ok {
		return 2
	}
	return 1
}

// invocationError marks a bad CLI invocation (exit code 2), distinct
// from a runtime failure (exit code 1).
type invocationError struct{ msg string }

func (e *invocationError) Error() string { return e.msg }

func asInvocationError(err error, target **invocationError) bool {
	if ie, ok := err.(*invocationError); ok {
		*target = ie
		return true
	}
	return false
}

func homeDir() string {
	if h := os.Getenv("KIWI_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kiwi"
	}
	return filepath.Join(home, ".kiwi")
}

func bulletedList(preface string, items []string) string {
	var b strings.Builder
	b.WriteString(preface)
	for _, item := range items {
		fmt.Fprintf(&b, "\n\t* %s", item)
	}
	return b.String()
}
