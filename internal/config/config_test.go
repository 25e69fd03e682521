package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("heroes")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Collection.ID != "heroes" {
		t.Fatalf("collection id %q", cfg.Collection.ID)
	}
	if cfg.Limits.CallsPerWindow != 100 || cfg.Limits.WindowSeconds != 10 {
		t.Fatalf("unexpected rate defaults: %d per %ds",
			cfg.Limits.CallsPerWindow, cfg.Limits.WindowSeconds)
	}
	if cfg.Limits.ChunkSize != 100 {
		t.Fatalf("chunk size %d, want 100", cfg.Limits.ChunkSize)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	raw := GenerateDefault("heroes")
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("generated config should parse: %v", err)
	}
	if cfg.Collection.ID != "heroes" {
		t.Fatalf("collection id %q", cfg.Collection.ID)
	}
}

func TestValidateRejectsBadAddress(t *testing.T) {
	cfg := Default("heroes")
	cfg.Chain.CollectionAddress = "not-an-address"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "collection_address") {
		t.Fatalf("expected collection_address error, got %v", err)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"collection id", func(c *Config) { c.Collection.ID = "" }},
		{"collection size", func(c *Config) { c.Collection.Size = 0 }},
		{"catalog path", func(c *Config) { c.Collection.Catalog = "" }},
		{"calls per window", func(c *Config) { c.Limits.CallsPerWindow = 0 }},
		{"window seconds", func(c *Config) { c.Limits.WindowSeconds = 0 }},
		{"chunk size", func(c *Config) { c.Limits.ChunkSize = 0 }},
		{"counts ttl", func(c *Config) { c.Cache.CountsTTLSeconds = 0 }},
		{"webhook url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }},
	}
	for _, tc := range cases {
		cfg := Default("heroes")
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default("heroes")
	if cfg.Window() != 10*time.Second {
		t.Fatalf("window %s", cfg.Window())
	}
	if cfg.CountsTTL() != time.Minute {
		t.Fatalf("counts ttl %s", cfg.CountsTTL())
	}
	if cfg.OwnershipTTL() != 5*time.Minute {
		t.Fatalf("ownership ttl %s", cfg.OwnershipTTL())
	}
	if cfg.SettleDelay() != 5*time.Second {
		t.Fatalf("settle delay %s", cfg.SettleDelay())
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("{not yaml")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPath(t *testing.T) {
	if got := Path(""); got != "soldout.yml" {
		t.Fatalf("empty workspace path %q", got)
	}
	if got := Path("/srv/app"); got != "/srv/app/soldout.yml" {
		t.Fatalf("path %q", got)
	}
}
