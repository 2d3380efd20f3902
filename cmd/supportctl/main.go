// Package main implements the supportctl CLI for manual operations against
// the supportd admin server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the supportd admin server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "supportctl",
	Short: "CLI for supportd admin operations",
	Long: `supportctl is a command-line interface for the supportd admin server.
It provides commands for checking daemon health, listing channel policies and
inspecting conversations with their audit trails.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "supportd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(conversationCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check supportd server health",
	Long: `Check the health status of the supportd admin server.

Examples:
  # Check health
  supportctl health

  # Check health on a different server
  supportctl health --server http://localhost:8080`,
	RunE: runHealth,
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List configured channels and their policies",
	Long: `List every configured channel with its enabled flag, action whitelist
and SLA windows.

Examples:
  supportctl channels`,
	RunE: runChannels,
}

var conversationCmd = &cobra.Command{
	Use:   "conversation <id>",
	Short: "Show a conversation with its messages, feedback and audit trail",
	Long: `Show one conversation by ID, including its messages, feedback and the
full append-only audit trail.

Examples:
  supportctl conversation 4f7c2b9a-...`,
	Args: cobra.ExactArgs(1),
	RunE: runConversation,
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func get(path string) ([]byte, error) {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	body, err := get("/health")
	if err != nil {
		return err
	}

	var health struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Status:  %s\n", health.Status)
	fmt.Printf("Service: %s\n", health.Service)
	return nil
}

func runChannels(cmd *cobra.Command, args []string) error {
	body, err := get("/channels")
	if err != nil {
		return err
	}

	var channels []struct {
		ID                   string   `json:"id"`
		Name                 string   `json:"name"`
		Enabled              bool     `json:"enabled"`
		ActionWhitelist      []string `json:"action_whitelist"`
		FirstResponseMinutes int      `json:"first_response_minutes"`
		ResolutionMinutes    int      `json:"resolution_minutes"`
	}
	if err := json.Unmarshal(body, &channels); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	for _, ch := range channels {
		state := "disabled"
		if ch.Enabled {
			state = "enabled"
		}
		fmt.Printf("%s (%s) [%s]\n", ch.ID, ch.Name, state)
		fmt.Printf("  SLA: first response %dm, resolution %dm\n",
			ch.FirstResponseMinutes, ch.ResolutionMinutes)
		if len(ch.ActionWhitelist) > 0 {
			fmt.Printf("  Actions: %v\n", ch.ActionWhitelist)
		}
	}
	return nil
}

func runConversation(cmd *cobra.Command, args []string) error {
	body, err := get("/conversations/" + args[0])
	if err != nil {
		return err
	}

	// Pretty-print the raw view; the structure mirrors pkg/server.
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
