package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/mbkchat/convhub/internal/config"
	"github.com/mbkchat/convhub/internal/opslog"
)

func doctorCmd() *cobra.Command {
	var notify bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(notify)
		},
	}
	cmd.Flags().BoolVar(&notify, "notify", false, "round-trip a test message through the ops-log Telegram relay")
	return cmd
}

func runDoctor(notify bool) {
	fmt.Println("convhub doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.DSN == "" {
		fmt.Printf("    %-12s NOT SET (CONVHUB_POSTGRES_DSN)\n", "DSN:")
	} else {
		db, dbErr := sql.Open("pgx", cfg.Database.DSN)
		if dbErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else if pingErr := db.Ping(); pingErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", pingErr)
			db.Close()
		} else {
			fmt.Printf("    %-12s reachable\n", "Status:")
			dir := resolveMigrationsDir(cfg)
			if m, merr := newMigrator(cfg, cfg.Database.DSN); merr == nil {
				if v, dirty, verr := m.Version(); verr == nil {
					state := "clean"
					if dirty {
						state = fmt.Sprintf("DIRTY — run: convhub migrate force %d", v-1)
					}
					fmt.Printf("    %-12s v%d (%s)\n", "Schema:", v, state)
				} else {
					fmt.Printf("    %-12s no migrations applied yet\n", "Schema:")
				}
				m.Close()
			} else {
				fmt.Printf("    %-12s could not open migrations at %s (%s)\n", "Schema:", dir, merr)
			}
			db.Close()
		}
	}

	fmt.Println()
	fmt.Println("  Helpdesk:")
	checkSecret("Host", cfg.Helpdesk.Host)
	fmt.Printf("    %-12s %d\n", "Account ID:", cfg.Helpdesk.AccountID)
	checkSecret("API token", cfg.Helpdesk.APIToken)

	fmt.Println()
	fmt.Println("  OpenAI:")
	checkSecret("Token", cfg.OpenAI.Token)

	fmt.Println()
	fmt.Println("  Ops log:")
	checkSecret("Bot token", cfg.OpsLog.BotToken)
	fmt.Printf("    %-12s %d\n", "Chat IDs:", len(cfg.OpsLog.ChatIDs))

	fmt.Println()
	fmt.Println("  CRM portals:")
	if len(cfg.Portals) == 0 {
		fmt.Println("    (none configured)")
	} else {
		names := make([]string, 0, len(cfg.Portals))
		for name := range cfg.Portals {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := cfg.Portals[name]
			mode := "webhook"
			if p.WebhookURL == "" && p.OAuthClientID != "" {
				mode = "oauth"
			}
			fmt.Printf("    %-16s domain=%s mode=%s\n", name+":", p.Domain, mode)
		}
	}

	fmt.Println()
	fmt.Println("  Agents and transports:")
	if len(cfg.Agents) == 0 {
		fmt.Println("    (none configured)")
	} else {
		codes := make([]string, 0, len(cfg.Agents))
		for code := range cfg.Agents {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			agent := cfg.Agents[code]
			fmt.Printf("    %s (%s):\n", code, agent.DisplayName)
			if len(agent.Transports) == 0 {
				fmt.Println("      (no transports)")
				continue
			}
			for _, t := range agent.Transports {
				tokenStatus := "missing token"
				if t.APIToken != "" {
					tokenStatus = "has token"
				}
				fmt.Printf("      inbox=%-6d kind=%-4s instance=%-16s %s\n", t.InboxID, t.Kind, t.InstanceID, tokenStatus)
			}
		}
	}

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("curl")
	checkBinary("git")

	if notify {
		fmt.Println()
		fmt.Println("  Ops-log relay test:")
		if cfg.OpsLog.BotToken == "" {
			fmt.Println("    SKIPPED (no bot token configured)")
		} else {
			relay := opslog.NewRelay(cfg.OpsLog.BotToken, cfg.OpsLog.ChatIDs)
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			sent := false
			levels := []struct {
				name  string
				level slog.Level
			}{{"info", slog.LevelInfo}, {"warn", slog.LevelWarn}, {"error", slog.LevelError}}
			for _, l := range levels {
				name, level := l.name, l.level
				if _, ok := cfg.OpsLog.ChatIDs[name]; !ok {
					continue
				}
				if err := relay.Send(ctx, level, fmt.Sprintf("convhub doctor: %s-level relay test", name)); err != nil {
					fmt.Printf("    %-12s FAILED (%s)\n", name+":", err)
				} else {
					fmt.Printf("    %-12s delivered\n", name+":")
					sent = true
				}
			}
			if !sent {
				fmt.Println("    (no chat ids configured for any level)")
			}
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	if len(value) <= 8 {
		fmt.Printf("    %-12s %s\n", name+":", strings.Repeat("*", len(value)))
		return
	}
	masked := value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
