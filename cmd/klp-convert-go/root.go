package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joelawrence/klp-convert-go/internal/convert"
)

var (
	failOnOrphan      bool
	rejectROAfterInit bool
	verbose           bool
)

// RootCmd converts symbol relocations for the given object into the
// kernel livepatch module form, resolving each one against a symbols.klp
// catalog.
var RootCmd = &cobra.Command{
	Use:   "klp-convert-go <symbols.klp> <input.o> <output.o>",
	Short: "Convert kernel relocatable object relocations into livepatch form",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		res, err := convert.Run(convert.Options{
			SymbolsPath:            args[0],
			InputPath:              args[1],
			OutputPath:             args[2],
			FailOnOrphanAnnotation: failOnOrphan,
			RejectROAfterInit:      rejectROAfterInit,
			Logger:                 logger,
		})
		if err != nil {
			return err
		}

		logger.Info("wrote converted object",
			"path", args[2],
			"symbols_converted", res.SymbolsConverted,
			"relocs_moved", res.RelocsMoved,
		)
		return nil
	},
}

func init() {
	RootCmd.Flags().BoolVar(&failOnOrphan, "strict-annotations", false,
		"treat an orphan sympos annotation as a fatal error instead of a warning")
	RootCmd.Flags().BoolVar(&rejectROAfterInit, "reject-ro-after-init", false,
		"refuse to convert relocations into .data..ro_after_init")
	RootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command, exiting with status 1 on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
