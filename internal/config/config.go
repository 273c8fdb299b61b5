package config

import (
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// MinMasterKeyLength is the minimum acceptable length for the operator-supplied
// master secret. Anything shorter is rejected at startup.
const MinMasterKeyLength = 16

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/monitor.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// MasterKey is the secret the vault key is derived from. Required in
	// production; length-checked at startup before any derivation happens.
	MasterKey string `envconfig:"MASTER_KEY" default:""`

	// PolicyMode selects the command safety strategy: "denylist" or "allowlist".
	PolicyMode string `envconfig:"POLICY_MODE" default:"denylist"`
	// DenyPatterns extends the baseline denylist (comma-separated).
	DenyPatterns string `envconfig:"DENY_PATTERNS" default:""`
	// AllowPatterns is the operator allow set used in allowlist mode (comma-separated).
	AllowPatterns string `envconfig:"ALLOW_PATTERNS" default:""`

	StaleSessionMinutes   int `envconfig:"STALE_SESSION_MINUTES" default:"120"`
	ConnectTimeoutSeconds int `envconfig:"CONNECT_TIMEOUT_SECONDS" default:"10"`
	AuditRetentionDays    int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// ConnectTimeout returns the configured SSH connect timeout.
func (s Settings) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// StaleThreshold returns the configured stale-session threshold.
func (s Settings) StaleThreshold() time.Duration {
	return time.Duration(s.StaleSessionMinutes) * time.Minute
}

// SplitPatterns parses a comma-separated pattern list, trimming whitespace
// and dropping empty entries.
func SplitPatterns(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
