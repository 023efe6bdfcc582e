package config

import (
	"testing"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("does-not-exist.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Tenants) != 3 {
		t.Fatalf("tenants = %d", len(cfg.Tenants))
	}
	if cfg.PublicURL == "" {
		t.Error("public URL not derived")
	}
}

func TestStoreConfigs(t *testing.T) {
	cfg := &Config{
		PublicURL: "http://localhost:5826",
		Tenants: []Tenant{
			{Name: "r4", Version: "R4"},
			{Name: "r5", Version: "5.0", SmartRequired: true},
		},
	}
	stores, err := cfg.StoreConfigs()
	if err != nil {
		t.Fatal(err)
	}
	if stores[0].BaseURL != "http://localhost:5826/r4" {
		t.Errorf("base URL = %q", stores[0].BaseURL)
	}
	if stores[1].Release != fhir.ReleaseR5 || !stores[1].SmartRequired {
		t.Errorf("r5 config = %+v", stores[1])
	}
}

func TestStoreConfigsRejectsBadTenants(t *testing.T) {
	cases := []struct {
		name    string
		tenants []Tenant
	}{
		{"duplicate name", []Tenant{{Name: "r4", Version: "R4"}, {Name: "r4", Version: "R5"}}},
		{"empty name", []Tenant{{Name: "", Version: "R4"}}},
		{"unknown version", []Tenant{{Name: "r4", Version: "DSTU2"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{PublicURL: "http://localhost:5826", Tenants: tc.tenants}
			if _, err := cfg.StoreConfigs(); err == nil {
				t.Error("invalid tenant list accepted")
			}
		})
	}
}
