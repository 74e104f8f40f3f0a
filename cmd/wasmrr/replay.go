package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/wasmrr/wasmrr/bootstrap"
)

func newReplayCmd() *cobra.Command {
	var formatFlag string

	cmd := &cobra.Command{
		Use:   "replay <wasm> [trace]",
		Short: "Re-execute a component synthesizing every reply from a previously recorded trace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wasmPath := args[0]
			tracePath := "wasm-rr-trace.json"
			if len(args) == 2 {
				tracePath = args[1]
			}

			format, err := resolveFormat(tracePath, formatFlag)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(wasmPath)
			if err != nil {
				return err
			}

			cfg := bootstrap.Config{
				ComponentPath: wasmPath,
				Mode:          bootstrap.ModeReplay,
				TracePath:     tracePath,
				Format:        format,
				Args:          []string{wasmPath},
				Cwd:           "/",
			}

			result, err := bootstrap.Run(context.Background(), cfg, data)
			os.Stdout.Write(result.Stdout)
			os.Stderr.Write(result.Stderr)
			if err != nil {
				return err
			}
			if result.ExitCode != 0 {
				os.Exit(result.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&formatFlag, "format", "f", "", "trace format: json or cbor (inferred from trace path if omitted)")
	return cmd
}
