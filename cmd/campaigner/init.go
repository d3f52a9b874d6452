package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initOutput   string
	initAPIKey   string
	initDataDir  string
	initSessions []string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Campaigner configuration",
	Long: `Create a starter Campaigner configuration file.

Examples:
  # Default setup with one session
  campaigner init --session sales-1

  # Two sessions, custom data directory
  campaigner init --session sales-1 --session support-1 --data-dir /srv/campaigner -o /etc/campaigner.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/campaigner", "Data directory for the engine store and device databases")
	initCmd.Flags().StringArrayVar(&initSessions, "session", nil, "Session id to preconfigure (repeatable)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", initOutput)
		}
	}

	if initAPIKey == "" {
		key, err := generateKey()
		if err != nil {
			return fmt.Errorf("failed to generate API key: %w", err)
		}
		initAPIKey = key
	}

	if len(initSessions) == 0 {
		initSessions = []string{"default"}
	}
	for _, id := range initSessions {
		if strings.ContainsAny(id, " \t/") {
			return fmt.Errorf("invalid session id: %q", id)
		}
	}

	content := buildConfig()
	if err := os.WriteFile(initOutput, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", initOutput)
	fmt.Printf("  API key: %s\n", initAPIKey)
	fmt.Printf("  Data directory: %s\n", initDataDir)
	fmt.Printf("  Sessions: %s\n", strings.Join(initSessions, ", "))
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. campaigner serve -c %s\n", initOutput)
	fmt.Printf("  2. GET /api/v1/sessions/%s/qr.png and pair the device\n", initSessions[0])

	return nil
}

func buildConfig() string {
	var b strings.Builder

	fmt.Fprintf(&b, "api:\n")
	fmt.Fprintf(&b, "  listen_addr: \":8080\"\n")
	fmt.Fprintf(&b, "  api_key: %q\n\n", initAPIKey)

	fmt.Fprintf(&b, "storage:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", filepath.Join(initDataDir, "engine.db"))

	fmt.Fprintf(&b, "logging:\n")
	fmt.Fprintf(&b, "  level: \"info\"\n")
	fmt.Fprintf(&b, "  format: \"json\"\n\n")

	fmt.Fprintf(&b, "dispatch:\n")
	fmt.Fprintf(&b, "  tick_interval: 30s\n")
	fmt.Fprintf(&b, "  batch_size: 5\n\n")

	fmt.Fprintf(&b, "monitor:\n")
	fmt.Fprintf(&b, "  interval: 5m\n\n")

	fmt.Fprintf(&b, "rate_limit:\n")
	fmt.Fprintf(&b, "  strategy: fail_open\n\n")

	fmt.Fprintf(&b, "lock:\n")
	fmt.Fprintf(&b, "  ttl: 5m\n")
	fmt.Fprintf(&b, "  strategy: fail_open\n\n")

	fmt.Fprintf(&b, "channel:\n")
	fmt.Fprintf(&b, "  store_dir: %q\n\n", initDataDir)

	fmt.Fprintf(&b, "sessions:\n")
	for _, id := range initSessions {
		fmt.Fprintf(&b, "  - id: %q\n", id)
	}

	return b.String()
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
