package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:  10,
			MaxIdleConns:  5,
			MigrationsDir: "migrations",
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		OpsLog: OpsLogConfig{
			ChatIDs: map[string]int64{},
		},
		Scheduling: SchedulingConfig{
			MeetingReminders: SweepConfig{Interval: 5 * time.Minute, Cron: "*/5 * * * *"},
			Warmup:           SweepConfig{Interval: 1 * time.Hour, Cron: "0 * * * *"},
			DispatcherHealth: SweepConfig{Interval: 1 * time.Minute, Cron: "* * * * *"},
		},
		Sources: map[string]string{},
		Agents:  map[string]AgentSpec{},
		Portals: map[string]CRMPortalSpec{},
	}
}

// Load reads config from a JSON5 file, overlays an optional sibling
// convhub.local.toml ops file, then overlays secret env vars. The TOML
// overlay is for operators who keep ops-only override files (telemetry
// endpoints, sweep cadences) in a separate ops repo and prefer TOML for
// that — see tomlOverlay.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyTOMLOverlay(filepath.Join(filepath.Dir(path), "convhub.local.toml")); err != nil {
		return nil, fmt.Errorf("parse toml overlay: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// tomlOverlay is the ops-only subset of Config an operator may override
// without touching the checked-in JSON5 file. Only what the file defines
// is applied, but per table rather than per key: a present [telemetry]
// table replaces all four telemetry fields, and a present sweep table
// replaces that sweep's Enabled and Cron (keys it omits become false and
// ""). A sweep's Interval changes only when it is set and parses.
type tomlOverlay struct {
	HTTP struct {
		Addr string `toml:"addr"`
	} `toml:"http"`
	Telemetry struct {
		Enabled     bool   `toml:"enabled"`
		Endpoint    string `toml:"endpoint"`
		Insecure    bool   `toml:"insecure"`
		ServiceName string `toml:"service_name"`
	} `toml:"telemetry"`
	Scheduling struct {
		MeetingReminders *tomlSweep `toml:"meeting_reminders"`
		Warmup           *tomlSweep `toml:"warmup"`
		DispatcherHealth *tomlSweep `toml:"dispatcher_health"`
	} `toml:"scheduling"`
}

type tomlSweep struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"`
	Cron     string `toml:"cron"`
}

// applyTOMLOverlay merges path onto cfg if it exists; a missing file is not
// an error, since the overlay is optional.
func (c *Config) applyTOMLOverlay(path string) error {
	var overlay tomlOverlay
	meta, err := toml.DecodeFile(path, &overlay)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if meta.IsDefined("http", "addr") {
		c.HTTP.Addr = overlay.HTTP.Addr
	}
	if meta.IsDefined("telemetry") {
		c.Telemetry.Enabled = overlay.Telemetry.Enabled
		c.Telemetry.Endpoint = overlay.Telemetry.Endpoint
		c.Telemetry.Insecure = overlay.Telemetry.Insecure
		c.Telemetry.ServiceName = overlay.Telemetry.ServiceName
	}
	mergeSweep(overlay.Scheduling.MeetingReminders, &c.Scheduling.MeetingReminders)
	mergeSweep(overlay.Scheduling.Warmup, &c.Scheduling.Warmup)
	mergeSweep(overlay.Scheduling.DispatcherHealth, &c.Scheduling.DispatcherHealth)
	return nil
}

func mergeSweep(src *tomlSweep, dst *SweepConfig) {
	if src == nil {
		return
	}
	dst.Enabled = src.Enabled
	dst.Cron = src.Cron
	if src.Interval != "" {
		if d, err := time.ParseDuration(src.Interval); err == nil {
			dst.Interval = d
		}
	}
}

// applyEnvOverrides overlays secret-bearing env vars onto the config.
// These values are never persisted to the config file: DSNs and API
// tokens live in the environment only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CONVHUB_POSTGRES_DSN", &c.Database.DSN)
	envStr("CONVHUB_HELPDESK_API_TOKEN", &c.Helpdesk.APIToken)
	envStr("CONVHUB_OPENAI_TOKEN", &c.OpenAI.Token)
	envStr("CONVHUB_OPSLOG_BOT_TOKEN", &c.OpsLog.BotToken)

	if v := os.Getenv("CONVHUB_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}

	// Telemetry
	envStr("CONVHUB_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("CONVHUB_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	// Sweep enable flags: CONVHUB_SCHED_<NAME>_ENABLED. Every sweep defaults
	// off in Default(), so an operator opts in per-sweep without a config
	// file edit.
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envBool("CONVHUB_SCHED_MEETING_REMINDERS_ENABLED", &c.Scheduling.MeetingReminders.Enabled)
	envBool("CONVHUB_SCHED_WARMUP_ENABLED", &c.Scheduling.Warmup.Enabled)
	envBool("CONVHUB_SCHED_DISPATCHER_HEALTH_ENABLED", &c.Scheduling.DispatcherHealth.Enabled)

	// Per-transport gateway tokens: CONVHUB_TRANSPORT_<INBOX_ID>_TOKEN.
	// Transports is a slice, so mutating through the copied struct still
	// reaches the shared backing array.
	for _, agent := range c.Agents {
		for i, t := range agent.Transports {
			key := fmt.Sprintf("CONVHUB_TRANSPORT_%d_TOKEN", t.InboxID)
			if v := os.Getenv(key); v != "" {
				agent.Transports[i].APIToken = v
			}
		}
	}

	// Per-portal CRM credentials: CONVHUB_CRM_<PORTAL>_WEBHOOK_URL /
	// CONVHUB_CRM_<PORTAL>_CLIENT_SECRET / _ACCESS_TOKEN / _REFRESH_TOKEN.
	for name, p := range c.Portals {
		upper := strings.ToUpper(name)
		envStr(fmt.Sprintf("CONVHUB_CRM_%s_WEBHOOK_URL", upper), &p.WebhookURL)
		envStr(fmt.Sprintf("CONVHUB_CRM_%s_CLIENT_SECRET", upper), &p.OAuthClientSecret)
		envStr(fmt.Sprintf("CONVHUB_CRM_%s_ACCESS_TOKEN", upper), &p.OAuthAccessToken)
		envStr(fmt.Sprintf("CONVHUB_CRM_%s_REFRESH_TOKEN", upper), &p.OAuthRefreshToken)
		c.Portals[name] = p
	}

	// Ops-log relay chat ids: CONVHUB_OPSLOG_CHAT_<LEVEL>=<id>.
	for _, level := range []string{"ERROR", "WARN", "INFO"} {
		if v := os.Getenv("CONVHUB_OPSLOG_CHAT_" + level); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				c.OpsLog.ChatIDs[strings.ToLower(level)] = id
			}
		}
	}
}
