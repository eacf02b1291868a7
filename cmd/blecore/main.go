package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/blecore/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// appConfig is loaded before every command runs.
var appConfig = config.DefaultConfig()

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blecore",
	Short: "BLE central and serial link tool",
	Long: `Bluetooth Low Energy (BLE) central that provides:

- Batched scanning with service and name filters
- A single managed connection with MTU negotiation and link monitoring
- Framed serial traffic over the Nordic UART service
- A PTY bridge exposing the serial service as a virtual serial port
- Adapter power control where the platform allows it

Settings are read from a YAML file given with --config; flags override it.`,
	Version:           formatVersion(version),
	PersistentPreRunE: loadConfig,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	appConfig = cfg
	return nil
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("blecore {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(radioCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Shorthand for --log-level=debug")
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
