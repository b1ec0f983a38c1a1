// Command scanctl is a thin client for the scan orchestrator's façade: it
// starts a scan and polls for its result, printing either JSON or YAML.
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
	"gopkg.in/yaml.v3"
)

var (
	facadeURL  string
	outputYAML bool
)

func main() {
	root := &cobra.Command{
		Use:   "scanctl",
		Short: "Start and poll scans against a scan orchestrator instance",
	}
	root.PersistentFlags().StringVar(&facadeURL, "url", envOr("SCANCTL_URL", "http://localhost:8080"), "base URL of the scan orchestrator façade")
	root.PersistentFlags().BoolVar(&outputYAML, "yaml", false, "print output as YAML instead of JSON")

	root.AddCommand(newStartCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newWaitCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStartCmd() *cobra.Command {
	var webhookURL string
	cmd := &cobra.Command{
		Use:   "start <repoUrl>",
		Short: "Queue a new scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := startScan(args[0], webhookURL)
			if err != nil {
				return err
			}
			return printRecord(rec)
		},
	}
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "webhook URL to notify when the scan settles")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <scanId>",
		Short: "Fetch a scan's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := getScan(args[0])
			if err != nil {
				return err
			}
			return printRecord(rec)
		},
	}
}

func newWaitCmd() *cobra.Command {
	var pollInterval time.Duration
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <scanId>",
		Short: "Poll a scan until it reaches a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline := time.Now().Add(timeout)
			for {
				rec, err := getScan(args[0])
				if err != nil {
					return err
				}
				if rec.Status == "Finished" || rec.Status == "Failed" {
					return printRecord(rec)
				}
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out waiting for scan %s to settle", args[0])
				}
				time.Sleep(pollInterval)
			}
		},
	}
	cmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "maximum time to wait")
	return cmd
}

// scanRecord mirrors the subset of models.Record the CLI needs to render;
// it is kept independent of the server's internal packages deliberately, as
// a proper client of the public wire contract.
type scanRecord struct {
	ScanID          string                   `json:"scanId" yaml:"scanId"`
	RepoURL         string                   `json:"repoUrl" yaml:"repoUrl"`
	Status          string                   `json:"status" yaml:"status"`
	Vulnerabilities []map[string]interface{} `json:"vulnerabilities,omitempty" yaml:"vulnerabilities,omitempty"`
	Truncated       bool                     `json:"truncated" yaml:"truncated"`
	Error           map[string]interface{}   `json:"error,omitempty" yaml:"error,omitempty"`
}

func startScan(repoURL, webhookURL string) (*scanRecord, error) {
	body, err := json.Marshal(map[string]string{"repoUrl": repoURL, "webhookUrl": webhookURL})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(facadeURL+"/api/v1/scans", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeRecordOrError(resp)
}

func getScan(scanID string) (*scanRecord, error) {
	resp, err := http.Get(facadeURL + "/api/v1/scans/" + scanID)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeRecordOrError(resp)
}

func decodeRecordOrError(resp *http.Response) (*scanRecord, error) {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}
	var rec scanRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &rec, nil
}

func printRecord(rec *scanRecord) error {
	if outputYAML {
		data, err := yaml.Marshal(rec)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
