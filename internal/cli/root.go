package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LeJamon/causalmesh/internal/config"
	"github.com/LeJamon/causalmesh/internal/logging"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "causalmeshd",
	Short: "causalmesh - causally ordered group messaging over IP multicast",
	Long: `causalmeshd joins a LAN multicast group and runs sessions in which every
participant sees messages in causal order. Exclusive actions are serialized
either by a peer-symmetric mutex or by an elected session host.`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log errors")
}

// loadConfig reads the configuration named by --conf (defaults and
// environment only when empty) and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	switch {
	case debug, verbose:
		cfg.Log.Level = "debug"
	case quiet:
		cfg.Log.Level = "error"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) logging.Logger {
	return logging.NewDefaultLogger(cfg.Log.Level)
}
