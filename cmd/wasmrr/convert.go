package main

import (
	"github.com/spf13/cobra"

	"github.com/wasmrr/wasmrr/trace/codec"
)

func newConvertCmd() *cobra.Command {
	var inFormatFlag, outFormatFlag string

	cmd := &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Re-encode a trace between the textual (json) and binary (cbor) formats",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inPath, outPath := args[0], args[1]

			inFormat, err := resolveFormat(inPath, inFormatFlag)
			if err != nil {
				return err
			}
			outFormat, err := resolveFormat(outPath, outFormatFlag)
			if err != nil {
				return err
			}

			return codec.Convert(inPath, outPath, inFormat, outFormat)
		},
	}

	cmd.Flags().StringVar(&inFormatFlag, "input-format", "", "input trace format: json or cbor")
	cmd.Flags().StringVar(&outFormatFlag, "output-format", "", "output trace format: json or cbor")
	return cmd
}
