package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"feedchat/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your feedchat setup",
		Long: `Verifies that the configuration is valid, the relay answers, and the
journal and metrics endpoints can be used. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("feedchat doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'feedchat init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("invalid config")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Identity
			if cfg.Identity.SelfID == "guest" {
				printWarn("Identity", "still using the default guest id")
				warned++
			} else {
				printPass("Identity", fmt.Sprintf("%s (%s)", cfg.Identity.SelfID, cfg.Identity.DisplayName))
				passed++
			}

			// 4. Relay reachable
			if clients, err := checkRelay(cfg.Relay.URL); err != nil {
				printFail("Relay", err.Error())
				failed++
			} else {
				printPass("Relay", fmt.Sprintf("%s (%d connected)", cfg.Relay.URL, clients))
				passed++
			}

			// 5. Journal
			if cfg.Journal.Enabled {
				if err := checkDatabase(cfg.Journal.DBPath); err != nil {
					printFail("Journal", err.Error())
					failed++
				} else {
					printPass("Journal", cfg.Journal.DBPath)
					passed++
				}
			}

			// 6. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics addr", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before chatting.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nfeedchat should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Run 'feedchat connect <recipientId>'.\n")
			}
			return nil
		},
	}
}

// checkRelay calls the relay's health endpoint and returns its client count.
func checkRelay(wsURL string) (int, error) {
	base := "http" + strings.TrimPrefix(strings.TrimRight(wsURL, "/"), "ws")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health check returned %s", resp.Status)
	}

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return 0, fmt.Errorf("unexpected health response: %w", err)
	}
	return health.Clients, nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
