package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/calendar-assistant/internal/monitoring"
)

var (
	probeURL    string
	probeFormat string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run one connectivity probe and print the network status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if probeURL != "" {
			cfg.Connectivity.ProbeURL = probeURL
		}
		if err := cfg.Validate("probe"); err != nil {
			return err
		}

		timeout := time.Duration(cfg.Connectivity.TimeoutMs) * time.Millisecond
		mon := monitoring.NewMonitor(
			monitoring.NewHTTPProber(cfg.Connectivity.ProbeURL, timeout),
			monitoring.FromConnectivityConfig(cfg.Connectivity),
			monitoring.WithRecorder(monitoring.NewLogRecorder()),
		)
		status := mon.CheckNow(cmd.Context())

		if err := writeOutput(cmd.OutOrStdout(), probeFormat, status); err != nil {
			return err
		}
		if !status.IsOnline {
			return eris.Errorf("offline: %s", status.LastError)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeURL, "url", "", "probe URL (default from config)")
	probeCmd.Flags().StringVar(&probeFormat, "format", "json", "output format: json or yaml")
	rootCmd.AddCommand(probeCmd)
}
