// Command kiwi is the runtime's single entry point: it dispatches to the
// Catalog (list/fetch/update), the Daemon (server start/stop), the
// config dumper, or the Loader (run a named module), per the cobra
// command tree built in root.go.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
