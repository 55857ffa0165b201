package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"mxgate/internal/gateway"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		if hint := gateway.Hint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps the failure kind onto the exit status. Usage errors, an
// unreachable daemon, and missing credentials each get their own code;
// everything else exits 1.
func exitCode(err error) int {
	switch gateway.Kind(err) {
	case gateway.KindBadRequest, gateway.KindUnsupported:
		return 2
	case gateway.KindNotRunning, gateway.KindDaemonUnavailable:
		return 3
	case gateway.KindAuthRequired:
		return 4
	}
	return 1
}
