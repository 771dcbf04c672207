// Package cmd is the rdrr command line: convert a checkpoint, inspect
// a checkpoint or converted model, verify shard hashes.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/reploid-ai/rdrr/envconfig"
	"github.com/reploid-ai/rdrr/logutil"
	"github.com/reploid-ai/rdrr/version"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:     "rdrr",
		Short:   "Convert LLM checkpoints into sharded rdrr models",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}
	rootCmd.SetVersionTemplate("rdrr version {{.Version}}\n")

	rootCmd.SetUsageTemplate(rootCmd.UsageTemplate() + `
Environment Variables:

    RDRR_DEBUG        Show debug logging (RDRR_DEBUG=2 for trace)
    RDRR_NOPROGRESS   Disable progress bars
    RDRR_TMPDIR       Location for temporary files during conversion
`)

	rootCmd.AddCommand(
		cmdConvert(),
		cmdInspect(),
		cmdVerify(),
		cmdVersion(),
	)

	return rootCmd
}

func cmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "rdrr version", version.Version)
		},
	}
}
