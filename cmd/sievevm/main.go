// Command sievevm is the non-normative example CLI for the bytecode
// compiler and evaluator: compile a script to the versioned wire
// format, disassemble one back to readable text, or run one against a
// sample message. Mirrors the teacher cli's cobra root-command shape
// (persistent flags, SilenceErrors, plain-text error output) scaled down
// to this module's three commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootVerbose is bound to the root command's persistent --verbose flag.
var rootVerbose bool

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "sievevm",
		Short:         "Compile, run and inspect Sieve mail-filter scripts",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML runtime settings file (core/config)")
	root.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newCompileCmd(&configPath))
	root.AddCommand(newDisasmCmd())
	root.AddCommand(newRunCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sievevm: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose || rootVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
