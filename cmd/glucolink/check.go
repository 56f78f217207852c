package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/sugarmesh/glucolink/internal/config"
	"github.com/sugarmesh/glucolink/internal/gateway"
	"github.com/sugarmesh/glucolink/internal/session"
	"github.com/sugarmesh/glucolink/internal/storage"
)

var checkAllRegions bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check daemon prerequisites",
	Long: `Check that the configuration loads, the storage backend opens and the
vendor cloud is reachable for the configured region.`,
	Example: `  glucolink -c config.yaml check
  glucolink check --all-regions`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkAllRegions, "all-regions", false, "Probe every known vendor region")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	failed := false

	// Configuration
	cyan.Fprintln(os.Stdout, "Configuration")
	cfg, err := config.Load(configPath)
	if err != nil {
		red.Fprintf(os.Stdout, "  FAIL  %s: %v\n", configPath, err)
		return err
	}
	green.Fprintf(os.Stdout, "  OK    %s\n", configPath)

	// Storage
	cyan.Fprintln(os.Stdout, "Storage")
	store, err := openStorage(cfg.Storage)
	if err != nil {
		red.Fprintf(os.Stdout, "  FAIL  %s backend: %v\n", cfg.Storage.Type, err)
		failed = true
	} else {
		count := describeSessions(store)
		green.Fprintf(os.Stdout, "  OK    %s backend, %d stored session(s)\n", cfg.Storage.Type, count)
		if err := store.Close(); err != nil {
			yellow.Fprintf(os.Stdout, "  WARN  close: %v\n", err)
		}
	}

	// Vendor
	cyan.Fprintln(os.Stdout, "Vendor")
	regions := []string{cfg.Vendor.Region}
	if checkAllRegions {
		regions = gateway.Regions()
	}
	for _, region := range regions {
		baseURL := cfg.Vendor.BaseURL
		if baseURL == "" {
			url, ok := gateway.BaseURLForRegion(region)
			if !ok {
				red.Fprintf(os.Stdout, "  FAIL  %s: unknown region\n", region)
				failed = true
				continue
			}
			baseURL = url
		}

		if err := probeVendor(baseURL); err != nil {
			red.Fprintf(os.Stdout, "  FAIL  %s (%s): %v\n", region, baseURL, err)
			failed = true
			continue
		}
		green.Fprintf(os.Stdout, "  OK    %s (%s)\n", region, baseURL)
	}

	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

// probeVendor checks TCP/TLS reachability of the vendor endpoint. Any HTTP
// response counts: the probe carries no credentials.
func probeVendor(baseURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

func describeSessions(store storage.Store) int {
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
	sessions := session.NewManager(store.Sessions(), logger)
	if err := sessions.Restore(context.Background()); err != nil {
		return 0
	}
	return sessions.Count()
}
