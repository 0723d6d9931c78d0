package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.AgreementPolicy != "blocking" {
		t.Fatalf("expected blocking default, got %s", cfg.Engine.AgreementPolicy)
	}
	if cfg.Hierarchy.MaxDepth != 16 || cfg.Database.Driver != "sqlite" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("engine:\n  agreement_policy: advisory\n  max_retries: 1\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.AgreementPolicy != "advisory" {
		t.Fatalf("override lost: %s", cfg.Engine.AgreementPolicy)
	}
	if cfg.Scheduler.Sweep != "@every 30s" {
		t.Fatalf("default sweep lost: %q", cfg.Scheduler.Sweep)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"policy":  "engine:\n  agreement_policy: sometimes\n",
		"sweep":   "scheduler:\n  sweep: \"every tuesday\"\n",
		"driver":  "database:\n  driver: mysql\n",
		"pgx dsn": "database:\n  driver: pgx\n",
		"webhook": "notifications:\n  webhooks:\n    - name: x\n",
		"depth":   "hierarchy:\n  max_depth: 0\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected default config, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signoff.yml"), []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug, got %s", cfg.Log.Level)
	}
	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}
