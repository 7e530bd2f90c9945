// Command hurry is the client-side entry point: run in place of
// `cargo build`, it consults the cache before and after the real
// `cargo build` it runs, and also exposes a small subcommand tree (cache
// show/reset, daemon serve) for direct operator use.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hurrycache/hurry/internal/config"
	"github.com/hurrycache/hurry/pkg/utils"
)

var (
	cfgFile string
	cfg     *config.ClientConfig
	logger  *utils.StructuredLogger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hurry: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hurry",
	Short: "Distributed build-output cache for cargo",
	Long: `hurry wraps cargo build: it restores previously cached compilation
outputs before running the real cargo build and captures newly produced
outputs afterward, handing them off to a background daemon for upload.

Run with no recognized subcommand to operate as the wrapper itself; the
remaining arguments are forwarded to cargo build (pass cargo flags after --).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadClientConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		level, err := utils.ParseLogLevel(cfg.Logging.Level)
		if err != nil {
			level = utils.INFO
		}
		format := utils.FormatText
		if cfg.Logging.Structured {
			format = utils.FormatJSON
		}
		l, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
			Level:         level,
			Output:        os.Stderr,
			Format:        format,
			IncludeCaller: false,
		})
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l.WithComponent("hurry")
		return nil
	},
	// RunE handles the wrapper path: hurry invoked with no recognized
	// subcommand, its positional arguments forwarded to `cargo build`.
	// Cache-engine errors here degrade to warnings per §7/§10 — the real
	// cargo build still runs, and only its own failure is returned.
	RunE: runWrapper,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to client config YAML")
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(doctorCmd)
}
