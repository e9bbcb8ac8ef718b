package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/automation"
	goutils "github.com/jkaninda/go-utils"
)

var (
	scanServerURL string
	scanAPIKey    string
	scanAppToken  string
	scanTableID   string
	scanReset     bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Trigger a full table scan on a running kazi instance",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanServerURL, "server", "http://localhost:8080", "base URL of the running instance")
	scanCmd.Flags().StringVar(&scanAPIKey, "api-key", "", "API key (or set KAZI_API_KEY)")
	scanCmd.Flags().StringVar(&scanAppToken, "app-token", "", "datastore app token")
	scanCmd.Flags().StringVar(&scanTableID, "table", "", "table ID to scan")
	scanCmd.Flags().BoolVar(&scanReset, "reset", false, "rebaseline snapshots without firing rules")
	_ = scanCmd.MarkFlagRequired("app-token")
	_ = scanCmd.MarkFlagRequired("table")
}

// runScan posts a one-shot scan request to a running instance and prints
// the summary.
func runScan(_ *cobra.Command, _ []string) error {
	apiKey := goutils.Env("KAZI_API_KEY", scanAPIKey)
	if apiKey == "" {
		return fmt.Errorf("an API key is required (--api-key or KAZI_API_KEY)")
	}

	payload, err := json.Marshal(map[string]any{
		"app_token": scanAppToken,
		"table_id":  scanTableID,
		"reset":     scanReset,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, scanServerURL+"/v1/admin/scan", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", scanServerURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scan failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var result automation.ScanResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Fprintf(os.Stdout, "table %s: %d records, %d initialized, %d changed, %d rules fired\n",
		result.TableID, result.Records, result.Initialized, result.Changed, result.RulesFired)
	return nil
}
