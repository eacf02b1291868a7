package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blecore/pkg/connection"
)

// radioCmd represents the radio command
var radioCmd = &cobra.Command{
	Use:   "radio <on|off|restart|status>",
	Short: "Control the Bluetooth adapter power",
	Long: `Reads or changes the power state of the local Bluetooth adapter.

Only available where the application may control the adapter (BlueZ on
Linux). Elsewhere the command reports that the platform owns it.

Examples:
  blecore radio status
  blecore radio restart`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "restart", "status"},
	RunE:      runRadio,
}

func runRadio(cmd *cobra.Command, args []string) error {
	action := args[0]
	switch action {
	case "on", "off", "restart", "status":
	default:
		return fmt.Errorf("invalid action '%s': must be one of on, off, restart, status", action)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	manager, err := connection.NewManager(logger, appConfig.ConnectionOptions())
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var changed bool
	switch action {
	case "on":
		changed, err = manager.EnableRadio(ctx)
	case "off":
		changed, err = manager.DisableRadio(ctx)
	case "restart":
		progress := NewProgressPrinter("Restarting adapter", "Restarting")
		progress.Start()
		err = manager.RestartRadio(ctx)
		progress.Stop()
		changed = err == nil
	case "status":
		if !manager.HasRadioControl() {
			return connection.ErrNoRadioControl
		}
		fmt.Fprintf(out, "Adapter is %s\n", manager.AdapterState())
		return nil
	}
	if err != nil {
		return err
	}

	if changed {
		fmt.Fprintln(out, okColor.Sprintf("Adapter %s", action))
	} else {
		fmt.Fprintln(out, warnColor.Sprintf("Adapter already %s", action))
	}
	return nil
}
