package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for Bluetooth Low Energy devices in the vicinity.

Advertisements are merged into a per-device table that is published every
batch interval (--batch). A zero interval publishes as soon as a new device
is seen. The scan stops after --duration; 0 scans until Ctrl+C.

Examples:
  # Ten second scan, table output
  blecore scan -d 10s

  # Only devices advertising the Nordic UART service, as JSON
  blecore scan --services 6e400001-b5a3-f393-e0a9-e50e24dcca9e -f json

  # Keep printing the table as it changes
  blecore scan --watch`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanBatch       time.Duration
	scanFormat      string
	scanServices    []string
	scanName        string
	scanNoDuplicate bool
	scanWatch       bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", scanner.DefaultScanTimeout, "Scan duration (0 for indefinite)")
	scanCmd.Flags().DurationVar(&scanBatch, "batch", scanner.DefaultBatchDelay, "Interval between published results (0 publishes every new device)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only show devices advertising one of these service UUIDs")
	scanCmd.Flags().StringVar(&scanName, "name", "", "Only show devices advertising exactly this name")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", false, "Ask the controller to filter duplicate advertisements")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print every published result instead of only the last one")
}

// scanOptionsFromFlags starts from the config file and applies the flags the
// user set explicitly.
func scanOptionsFromFlags(cmd *cobra.Command) (*scanner.ScanOptions, string, error) {
	opts := appConfig.ScanOptions()
	format := appConfig.OutputFormat

	flags := cmd.Flags()
	if flags.Changed("duration") {
		opts.Timeout = scanDuration
	}
	if flags.Changed("batch") {
		opts.BatchDelay = scanBatch
	}
	if flags.Changed("format") {
		format = scanFormat
	}
	if flags.Changed("services") {
		opts.ServiceUUIDs = scanServices
	}
	if flags.Changed("name") {
		opts.Name = scanName
	}
	if flags.Changed("no-duplicates") {
		opts.AllowDuplicates = !scanNoDuplicate
	}

	if format != "table" && format != "json" {
		return nil, "", fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	if opts.Timeout < 0 || opts.BatchDelay < 0 {
		return nil, "", fmt.Errorf("durations must not be negative")
	}
	if len(opts.ServiceUUIDs) > 0 {
		uuids, err := device.ValidateUUID(opts.ServiceUUIDs...)
		if err != nil {
			return nil, "", fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUIDs = uuids
	}
	return opts, format, nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	opts, format, err := scanOptionsFromFlags(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runScanSession(ctx, s, opts, format, cmd.OutOrStdout(), logger)
}

func runScanSession(ctx context.Context, s *scanner.Scanner, opts *scanner.ScanOptions, format string, out io.Writer, logger *logrus.Logger) error {
	sess, err := s.Start(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Stop()

	var progress *ProgressPrinter
	if !scanWatch {
		progress = NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", opts.Timeout)
		progress.Start()
		defer progress.Stop()
	}

	var last scanner.Snapshot
	interrupted := ctx.Done()
	for {
		select {
		case snap, ok := <-sess.Results():
			if !ok {
				if progress != nil {
					progress.Stop()
				}
				if err := sess.Err(); err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).Error("Scan failed")
					return err
				}
				if scanWatch {
					return nil
				}
				return printSnapshot(out, last, format)
			}
			last = snap
			if scanWatch {
				if format == "table" {
					clearScreen(out)
				}
				if err := printSnapshot(out, snap, format); err != nil {
					return err
				}
			}
		case <-interrupted:
			// Ctrl+C ends the scan like a timeout; results close right after
			interrupted = nil
			s.Stop()
		}
	}
}

func printSnapshot(out io.Writer, snap scanner.Snapshot, format string) error {
	if format == "json" {
		return displayResultsJSON(out, snap)
	}
	if len(snap) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}
	return displayResultsTable(out, snap)
}

func displayResultsTable(out io.Writer, snap scanner.Snapshot) error {
	dim := color.New(color.Faint)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tCONN\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, r := range snap {
		name := r.Name
		if name == "" {
			name = dim.Sprint("(unknown)")
		} else if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(r.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		conn := "no"
		if r.Connectable {
			conn = "yes"
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, r.DeviceID, r.RSSI, conn, services, time.Since(r.DiscoveredAt).Truncate(time.Second))
	}
	return w.Flush()
}

func displayResultsJSON(out io.Writer, snap scanner.Snapshot) error {
	if snap == nil {
		snap = scanner.Snapshot{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(snap)
}

func clearScreen(out io.Writer) {
	fmt.Fprint(out, "\033[2J\033[H")
}
