// Command wasmrr records and replays WASI Preview 2 component executions.
package main

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wasmrr/wasmrr/bootstrap"
	"github.com/wasmrr/wasmrr/errors"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "wasmrr",
		Short: "Deterministic record/replay for WASI Preview 2 components",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable development logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			l, _ := zap.NewDevelopment()
			bootstrap.SetLogger(l)
		}
	}

	root.AddCommand(newRecordCmd(), newReplayCmd(), newConvertCmd(), newInspectCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a structured error's Kind to the process exit code.
func exitCodeFor(err error) int {
	var e *errors.Error
	if !stderrors.As(err, &e) {
		return 1
	}
	switch e.Kind {
	case errors.KindInvalidTrace:
		return 2
	case errors.KindTraceMismatch:
		return 3
	case errors.KindTraceExhausted:
		return 4
	case errors.KindComponentLink:
		return 5
	case errors.KindGuestTrap:
		return 6
	case errors.KindIoError:
		return 7
	default:
		return 1
	}
}
