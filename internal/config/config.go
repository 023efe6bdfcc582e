// Package config loads the server configuration from environment
// variables and an optional config file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/fhircandle/candle/internal/platform/fhir"
	"github.com/fhircandle/candle/internal/store"
)

// Tenant is the configuration of one FHIR endpoint.
type Tenant struct {
	Name          string `mapstructure:"name"`
	Version       string `mapstructure:"version"`
	SmartRequired bool   `mapstructure:"smart_required"`
	SmartAllowed  bool   `mapstructure:"smart_allowed"`
	MaxResources  int    `mapstructure:"max_resources"`
	BootstrapDir  string `mapstructure:"bootstrap_dir"`
}

// Config is the process configuration.
type Config struct {
	Port      string   `mapstructure:"PORT"`
	Env       string   `mapstructure:"ENV"`
	PublicURL string   `mapstructure:"PUBLIC_URL"`
	Tenants   []Tenant `mapstructure:"tenants"`

	// HeartbeatScan and channel timeouts keep their built-in defaults;
	// they are not configurable per deployment.
}

// Load reads the configuration. Environment variables override the config
// file; a missing file is not an error. When no tenants are configured the
// default trio r4 / r4b / r5 is created.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigFile("candle.yaml")
	}
	v.AutomaticEnv()

	v.SetDefault("PORT", "5826")
	v.SetDefault("ENV", "development")
	v.SetDefault("PUBLIC_URL", "")

	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("PUBLIC_URL")

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.Port
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	if len(cfg.Tenants) == 0 {
		cfg.Tenants = []Tenant{
			{Name: "r4", Version: "R4", SmartAllowed: true},
			{Name: "r4b", Version: "R4B", SmartAllowed: true},
			{Name: "r5", Version: "R5", SmartAllowed: true},
		}
	}

	return cfg, nil
}

// IsDev reports development mode (console log writer, debug level).
func (c *Config) IsDev() bool { return c.Env == "development" }

// StoreConfigs converts the tenant list into store configurations, deriving
// each tenant's base URL from the public URL.
func (c *Config) StoreConfigs() ([]store.Config, error) {
	out := make([]store.Config, 0, len(c.Tenants))
	seen := map[string]bool{}
	for _, t := range c.Tenants {
		if t.Name == "" {
			return nil, fmt.Errorf("tenant with empty name")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate tenant %q", t.Name)
		}
		seen[t.Name] = true
		release, err := fhir.ParseRelease(t.Version)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: %w", t.Name, err)
		}
		out = append(out, store.Config{
			Name:          t.Name,
			Release:       release,
			BaseURL:       c.PublicURL + "/" + t.Name,
			SmartRequired: t.SmartRequired,
			SmartAllowed:  t.SmartAllowed,
			MaxResources:  t.MaxResources,
			BootstrapDir:  t.BootstrapDir,
		})
	}
	return out, nil
}
