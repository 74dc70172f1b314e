package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/config"
	"github.com/aledsdavies/sievevm/core/serialize"
	"github.com/aledsdavies/sievevm/runtime/compiler"
)

func newCompileCmd(configPath *string) *cobra.Command {
	var (
		out     string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "compile <script.sieve>",
		Short: "Compile a Sieve script to the versioned bytecode envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, errs := compileFile(args[0], *configPath, verbose)
			for _, e := range errs {
				fmt.Fprintln(os.Stderr, e)
			}
			if len(errs) > 0 {
				return fmt.Errorf("compilation failed with %d error(s)", len(errs))
			}

			data, err := serialize.Marshal(script)
			if err != nil {
				return fmt.Errorf("serialize: %w", err)
			}

			if out == "" {
				out = args[0] + ".siv"
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s -> %s (%d instructions, %d bytes)\n", args[0], out, len(script.Instructions), len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output path for the compiled bytecode (default: <script>.siv)")
	cmd.Flags().BoolVar(&verbose, "debug", false, "enable debug logging during compilation")
	return cmd
}

// compileFile reads path as Sieve source and compiles it under the
// limits configPath names (core.config.DefaultLimits when empty).
func compileFile(path, configPath string, verbose bool) (*bytecode.Script, []error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{err}
	}
	limits, err := loadLimits(configPath)
	if err != nil {
		return nil, []error{err}
	}
	return compiler.Compile(src, newLogger(verbose), limits)
}

func loadLimits(configPath string) (compiler.Limits, error) {
	if configPath == "" {
		cfg := &config.Config{Limits: config.DefaultLimits}
		return cfg.CompilerLimits(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return compiler.Limits{}, err
	}
	return cfg.CompilerLimits(), nil
}
