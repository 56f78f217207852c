package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/sugarmesh/glucolink/internal/config"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the GlucoLink configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump the effective configuration")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if validateDump {
		dumpConfig(cfg)
	}

	return nil
}

func dumpConfig(cfg *config.Config) {
	cyan := color.New(color.FgCyan, color.Bold)

	cyan.Fprintln(os.Stdout, "\nserver")
	fmt.Fprintf(os.Stdout, "  bind_address: %s\n", cfg.Server.BindAddress)
	fmt.Fprintf(os.Stdout, "  api_port: %d\n", cfg.Server.APIPort)
	fmt.Fprintf(os.Stdout, "  metrics_port: %d\n", cfg.Server.MetricsPort)

	cyan.Fprintln(os.Stdout, "vendor")
	fmt.Fprintf(os.Stdout, "  region: %s\n", cfg.Vendor.Region)
	if cfg.Vendor.BaseURL != "" {
		fmt.Fprintf(os.Stdout, "  base_url: %s\n", cfg.Vendor.BaseURL)
	}
	fmt.Fprintf(os.Stdout, "  client_version: %s\n", cfg.Vendor.ClientVersion)
	fmt.Fprintf(os.Stdout, "  request_timeout: %s\n", cfg.Vendor.RequestTimeout)
	fmt.Fprintf(os.Stdout, "  retry_attempts: %d\n", cfg.Vendor.RetryAttempts)
	fmt.Fprintf(os.Stdout, "  retry_step: %s\n", cfg.Vendor.RetryStep)

	cyan.Fprintln(os.Stdout, "sync")
	fmt.Fprintf(os.Stdout, "  interval: %s\n", cfg.Sync.Interval)
	fmt.Fprintf(os.Stdout, "  freshness_window: %s\n", cfg.Sync.FreshnessWindow)
	fmt.Fprintf(os.Stdout, "  connect_timeout: %s\n", cfg.Sync.ConnectTimeout)
	fmt.Fprintf(os.Stdout, "  simulated_fallback: %t\n", cfg.Sync.SimulatedFallback)
	fmt.Fprintf(os.Stdout, "  profile_id: %s\n", cfg.Sync.ProfileID)
	if cfg.Sync.Retention != "" {
		fmt.Fprintf(os.Stdout, "  retention: %s\n", cfg.Sync.Retention)
		fmt.Fprintf(os.Stdout, "  cleanup_interval: %s\n", cfg.Sync.CleanupInterval)
	}

	cyan.Fprintln(os.Stdout, "storage")
	fmt.Fprintf(os.Stdout, "  type: %s\n", cfg.Storage.Type)
	switch cfg.Storage.Type {
	case "bolt":
		fmt.Fprintf(os.Stdout, "  path: %s\n", cfg.Storage.Bolt.Path)
	case "redis":
		fmt.Fprintf(os.Stdout, "  addr: %s:%d\n", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
	}

	cyan.Fprintln(os.Stdout, "alerts")
	fmt.Fprintf(os.Stdout, "  enabled: %t\n", cfg.Alerts.Enabled)
	if cfg.Alerts.Enabled {
		fmt.Fprintf(os.Stdout, "  low_mg_dl: %.0f\n", cfg.Alerts.LowMgDl)
		fmt.Fprintf(os.Stdout, "  high_mg_dl: %.0f\n", cfg.Alerts.HighMgDl)
		if cfg.Alerts.WebhookURL != "" {
			fmt.Fprintf(os.Stdout, "  webhook_url: %s\n", cfg.Alerts.WebhookURL)
		}
	}
}
