// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/thfree/jcl/pkg/connector/schema"
	"github.com/thfree/jcl/pkg/stanza"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the gateway configuration.
type Config struct {
	Component ComponentConfig `yaml:"component"`
	Relay     RelayConfig     `yaml:"relay"`
	Runtime   RuntimeConfig   `yaml:"runtime"`

	DefaultLanguage string `yaml:"default_language"`
	// SettingsPath is the runtime settings file (motd, welcome message,
	// admins). Leave empty to keep settings in memory only.
	SettingsPath string         `yaml:"settings_path"`
	AdminAPI     AdminAPIConfig `yaml:"admin_api"`

	Database dbutil.Config     `yaml:"database"`
	Logging  zeroconfig.Config `yaml:"logging"`

	Kinds []*schema.Schema `yaml:"kinds"`

	jid      stanza.JID       `yaml:"-"`
	registry *schema.Registry `yaml:"-"`
}

type ComponentConfig struct {
	JID     string `yaml:"jid"`
	Secret  string `yaml:"secret"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Type is the gateway identity type advertised in disco, e.g. "smtp".
	Type string `yaml:"type"`
}

type RelayConfig struct {
	URL string `yaml:"url"`
}

type RuntimeConfig struct {
	// TimeUnit is the tick period.
	TimeUnit time.Duration `yaml:"time_unit"`
	Restart  bool          `yaml:"restart"`
	// RestartDelay and CheckInterval are counted in time units.
	RestartDelay  int `yaml:"restart_delay"`
	CheckInterval int `yaml:"check_interval"`
}

type AdminAPIConfig struct {
	Address string `yaml:"address"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) PostProcess() error {
	var err error
	if c.jid, err = stanza.ParseJID(c.Component.JID); err != nil {
		return fmt.Errorf("failed to parse component jid: %w", err)
	}
	if c.jid.Local != "" || c.jid.Resource != "" {
		return fmt.Errorf("component jid %q must be a bare domain", c.Component.JID)
	}
	if c.Component.Name == "" {
		c.Component.Name = "JCL gateway"
	}
	if c.Component.Type == "" {
		c.Component.Type = "smtp"
	}
	if c.Runtime.TimeUnit <= 0 {
		c.Runtime.TimeUnit = time.Minute
	}
	if c.Runtime.RestartDelay <= 0 {
		c.Runtime.RestartDelay = 5
	}
	if c.Runtime.CheckInterval <= 0 {
		c.Runtime.CheckInterval = 1
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	if len(c.Kinds) == 0 {
		return errors.New("at least one account kind must be declared")
	}
	if c.registry, err = schema.NewRegistry(c.Kinds...); err != nil {
		return fmt.Errorf("failed to register account kinds: %w", err)
	}
	return nil
}

// ComponentJID is the parsed component address. Valid after PostProcess.
func (c *Config) ComponentJID() stanza.JID {
	return c.jid
}

// Registry is the account schema registry built from Kinds. Valid after
// PostProcess.
func (c *Config) Registry() *schema.Registry {
	return c.registry
}

func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.Runtime.RestartDelay) * c.Runtime.TimeUnit
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Runtime.CheckInterval) * c.Runtime.TimeUnit
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "component", "jid")
	helper.Copy(up.Str, "component", "secret")
	helper.Copy(up.Str, "component", "name")
	helper.Copy(up.Str, "component", "version")
	helper.Copy(up.Str, "component", "type")
	helper.Copy(up.Str, "relay", "url")
	helper.Copy(up.Str, "runtime", "time_unit")
	helper.Copy(up.Bool, "runtime", "restart")
	helper.Copy(up.Int, "runtime", "restart_delay")
	helper.Copy(up.Int, "runtime", "check_interval")
	helper.Copy(up.Str, "default_language")
	helper.Copy(up.Str|up.Null, "settings_path")
	helper.Copy(up.Str|up.Null, "admin_api", "address")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "conn_max_idle_time")
	helper.Copy(up.Str|up.Null, "database", "conn_max_lifetime")
	helper.Copy(up.Map, "logging")
	helper.Copy(up.List, "kinds")
}

// ConfigUpgrader merges a user config onto the embedded example.
func ConfigUpgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"relay"},
			{"runtime"},
			{"database"},
			{"logging"},
			{"kinds"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig upgrades the file at path against the example config, saving
// the result back when save is set, and decodes it.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, ConfigUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and post-processes a YAML config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteExampleConfig writes the embedded example config to path.
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(ExampleConfig), 0o600)
}
