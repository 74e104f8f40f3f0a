package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wasmrr/wasmrr/bootstrap"
	"github.com/wasmrr/wasmrr/trace/codec"
)

func newRecordCmd() *cobra.Command {
	var tracePath string
	var formatFlag string

	cmd := &cobra.Command{
		Use:   "record <wasm> [-- args...]",
		Short: "Run a component against the real host and log every non-deterministic interaction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wasmPath := args[0]
			guestArgs := args[1:]

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
				Mode:          bootstrap.ModeRecord,
				TracePath:     tracePath,
				Format:        format,
				Args:          append([]string{wasmPath}, guestArgs...),
				Env:           envMap(os.Environ()),
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
			fmt.Fprintf(os.Stderr, "wasmrr: trace written to %s\n", tracePath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tracePath, "trace", "t", "wasm-rr-trace.json", "trace output path")
	cmd.Flags().StringVarP(&formatFlag, "format", "f", "", "trace format: json or cbor (inferred from --trace extension if omitted)")
	return cmd
}

func resolveFormat(path, flagValue string) (codec.Format, error) {
	switch flagValue {
	case "json":
		return codec.FormatJSON, nil
	case "cbor":
		return codec.FormatCBOR, nil
	case "":
		return codec.InferFormat(path)
	default:
		return 0, fmt.Errorf("unknown trace format %q (want json or cbor)", flagValue)
	}
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
