package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/keanucz/m3ufetch/internal/config"
	"github.com/keanucz/m3ufetch/internal/version"
)

var (
	verboseFlag bool
	configFlag  string
)

// Logger is the global logger instance.
var Logger *log.Logger

// appConfig holds defaults, the config file and environment overrides.
// Subcommands apply their own flags on top.
var appConfig config.Config

var rootCmd = &cobra.Command{
	Use:           "m3ufetch",
	Short:         "Download the streams listed in M3U playlists",
	Long:          fmt.Sprintf("m3ufetch %s\n\nConcurrently download the streams listed in M3U playlists.", version.Short()),
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Initialize logger based on verbose flag
		Logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: verboseFlag,
			Level:           log.InfoLevel,
		})
		if verboseFlag {
			Logger.SetLevel(log.DebugLevel)
		}

		cfg, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		appConfig = cfg
		if configFlag != "" {
			Logger.Debug("config loaded", "path", configFlag)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func init() {
	// Set custom version template to show full version info
	rootCmd.SetVersionTemplate(fmt.Sprintf("m3ufetch %s\n", version.Short()))

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose debug output")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a YAML config file")
}
