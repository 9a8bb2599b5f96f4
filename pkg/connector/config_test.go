// Copyright 2024-2026 Aiku AI

package connector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/thfree/jcl/pkg/connector/schema"
)

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	input := `
component:
  jid: jcl.test.com
  secret: s3cret
relay:
  url: ws://relay.local/component
runtime:
  time_unit: 30s
  restart: true
kinds:
  - kind: Example
    fields:
      - name: login
        required: true
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Component.JID != "jcl.test.com" {
		t.Errorf("Component.JID: got %q, want %q", cfg.Component.JID, "jcl.test.com")
	}
	if cfg.Relay.URL != "ws://relay.local/component" {
		t.Errorf("Relay.URL: got %q", cfg.Relay.URL)
	}
	if cfg.Runtime.TimeUnit != 30*time.Second {
		t.Errorf("Runtime.TimeUnit: got %v, want 30s", cfg.Runtime.TimeUnit)
	}
	if len(cfg.Kinds) != 1 || cfg.Kinds[0].Fields[0].Name != "login" {
		t.Errorf("Kinds: got %+v", cfg.Kinds)
	}
}

func TestConfigPostProcessDefaults(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Component: ComponentConfig{JID: "JCL.test.com"},
		Kinds:     []*schema.Schema{{Kind: "Example"}},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if got := cfg.ComponentJID().String(); got != "jcl.test.com" {
		t.Errorf("ComponentJID: got %q", got)
	}
	if cfg.Runtime.TimeUnit != time.Minute {
		t.Errorf("TimeUnit default: got %v", cfg.Runtime.TimeUnit)
	}
	if cfg.RestartDelay() != 5*time.Minute {
		t.Errorf("RestartDelay: got %v, want 5m", cfg.RestartDelay())
	}
	if cfg.CheckInterval() != time.Minute {
		t.Errorf("CheckInterval: got %v", cfg.CheckInterval())
	}
	if cfg.DefaultLanguage != "en" {
		t.Errorf("DefaultLanguage: got %q", cfg.DefaultLanguage)
	}
	if cfg.Registry() == nil || cfg.Registry().Default().Kind != "Example" {
		t.Error("Registry should be built from Kinds")
	}
}

func TestConfigPostProcessErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing jid", Config{Kinds: []*schema.Schema{{Kind: "Example"}}}},
		{"jid with local part", Config{Component: ComponentConfig{JID: "a@jcl.test.com"}, Kinds: []*schema.Schema{{Kind: "Example"}}}},
		{"no kinds", Config{Component: ComponentConfig{JID: "jcl.test.com"}}},
		{"duplicate kinds", Config{Component: ComponentConfig{JID: "jcl.test.com"}, Kinds: []*schema.Schema{{Kind: "A"}, {Kind: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			if err := cfg.PostProcess(); err == nil {
				t.Error("PostProcess should fail")
			}
		})
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(ExampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig(ExampleConfig): %v", err)
	}
	if cfg.Database.Type != "sqlite3" {
		t.Errorf("Database.Type: got %q", cfg.Database.Type)
	}
	s, ok := cfg.Registry().Describe("example")
	if !ok {
		t.Fatal("Example kind not registered")
	}
	fd, _ := s.Field("interval")
	if fd.Default != int64(5) {
		t.Errorf("interval default: got %#v, want int64(5)", fd.Default)
	}
}

func TestUpgradeConfig(t *testing.T) {
	t.Parallel()
	helper := up.NewHelper(
		mustParseYAMLNode(t, ExampleConfig),
		mustParseYAMLNode(t, `
component:
  jid: custom.test.com
runtime:
  restart_delay: 2
`),
	)
	upgradeConfig(helper)
	if got := helper.GetBase("component", "jid"); got != "custom.test.com" {
		t.Errorf("component jid: got %q", got)
	}
	if got := helper.GetBase("runtime", "restart_delay"); got != "2" {
		t.Errorf("restart_delay: got %q", got)
	}
	if got := helper.GetBase("runtime", "time_unit"); got != "60s" {
		t.Errorf("time_unit should keep the example value, got %q", got)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("component:\n    jid: load.test.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ComponentJID().Domain != "load.test.com" {
		t.Errorf("ComponentJID: got %q", cfg.ComponentJID())
	}
	if len(cfg.Kinds) != 1 {
		t.Errorf("kinds should come from the example config, got %d", len(cfg.Kinds))
	}
}

func mustParseYAMLNode(t *testing.T, s string) *yaml.Node {
	t.Helper()
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(s), &node); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	return &node
}
