package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
identities: [alice, bob]
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/groupcast.db
ledger:
  reset_hour: 4
  timezone: UTC
  default_tier: basic
  tiers:
    basic: 10
    pro: 40
orchestrator:
  min_lanes: 2
  max_lanes: 3
  stagger_min: 1500ms
  stagger_max: 4s
  batch_delay_base: 45s
  batch_delay_jitter: 30s
  risk_cooldown:
    threshold: 2
    base: 30m
    max: 12h
matcher:
  max_ticks: 30
  max_scroll_attempts: 40
  stale_scroll_limit: 4
sessions:
  max_per_identity: 3
  idle_timeout: 10m
scheduler:
  enabled: true
  tick_interval: 30s
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("groupcast.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := cfg.Ledger.Tiers["pro"]; got != 40 {
		t.Fatalf("tiers.pro = %d, want 40", got)
	}
	if got := len(cfg.Identities); got != 2 {
		t.Fatalf("identities = %d, want 2", got)
	}
	d, err := ParseDurationOrDefault("orchestrator.stagger_min", cfg.Orchestrator.StaggerMin, time.Second)
	if err != nil || d != 1500*time.Millisecond {
		t.Fatalf("stagger_min = %v, %v", d, err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"identities":["a"],"bogus":1}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Decode err = %v, want unknown field error", err)
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("Decode err = nil, want trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"reset hour", func(c *Config) { c.Ledger.ResetHour = 24 }, "ledger.reset_hour"},
		{"lanes inverted", func(c *Config) { c.Orchestrator.MinLanes, c.Orchestrator.MaxLanes = 3, 2 }, "orchestrator.min_lanes"},
		{"bad duration", func(c *Config) { c.Orchestrator.StaggerMax = "soon" }, "orchestrator.stagger_max"},
		{"lanes over cap", func(c *Config) { c.Sessions.MaxPerIdentity = 2 }, "exceeds sessions.max_per_identity"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"duplicate identity", func(c *Config) { c.Identities = []string{"a", "a"} }, "duplicate identity"},
		{"risk category", func(c *Config) {
			c.Risk.Rules = []RiskRuleConfig{{Category: "weird", Text: "x"}}
		}, "unknown category"},
		{"risk regexp", func(c *Config) {
			c.Risk.Rules = []RiskRuleConfig{{Category: "rate_limited", Text: "("}}
		}, "risk.rules[0].text"},
		{"default tier", func(c *Config) { c.Ledger.DefaultTier = "gold" }, "ledger.default_tier"},
		{"nsq addr", func(c *Config) { c.Events.NSQ.Enabled = true }, "events.nsq.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode("c.yaml", []byte(sampleYAML))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.yaml", []byte(sampleYAML))
	b, _ := Decode("c.yaml", []byte(sampleYAML))
	if got := ChangedSections(a, b); len(got) != 0 {
		t.Fatalf("ChangedSections(equal) = %v", got)
	}
	b.Logging.Level = "warn"
	b.Ledger.Tiers["pro"] = 50
	got := ChangedSections(a, b)
	if len(got) != 2 || got[0] != "logging" || got[1] != "ledger" {
		t.Fatalf("ChangedSections = %v, want [logging ledger]", got)
	}
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "groupcast.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	// unchanged content is not republished
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("unchanged config was published")
	default:
	}

	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q, want warn", cfg.Logging.Level)
		}
	default:
		t.Fatalf("changed config was not published")
	}

	// invalid content keeps the committed config
	if err := os.WriteFile(path, []byte("ledger:\n  reset_hour: 99\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if got := m.Get().Logging.Level; got != "warn" {
		t.Fatalf("Get().Logging.Level = %q, want warn", got)
	}
}
