package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/garnizeh/redmine-rag/internal/config"
)

func TestDefault_Validates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
	if cfg.Retrieval.LexicalWeight != 0.65 || cfg.Retrieval.VectorWeight != 0.35 || cfg.Retrieval.RRFK != 60 {
		t.Fatalf("unexpected fusion defaults: %+v", cfg.Retrieval)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"zero dim", func(c *config.Config) { c.Embedding.Dim = 0 }, "embedding.dim"},
		{"bad answer mode", func(c *config.Config) { c.Ask.AnswerMode = "free" }, "answer_mode"},
		{"both weights zero", func(c *config.Config) { c.Retrieval.LexicalWeight, c.Retrieval.VectorWeight = 0, 0 }, "weights"},
		{"bad provider", func(c *config.Config) { c.LLM.Provider = "gpt" }, "llm.provider"},
		{"negative overlap", func(c *config.Config) { c.Sync.OverlapMinutes = -1 }, "overlap_minutes"},
		{"empty db", func(c *config.Config) { c.DatabasePath = " " }, "database_path"},
		{"multiplier", func(c *config.Config) { c.Retrieval.CandidateMultiplier = 0 }, "candidate_multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfig_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	y := "addr: \":9090\"\n" +
		"database_path: '" + filepath.Join(dir, "x.db") + "'\n" +
		"retrieval:\n  rrf_k: 30\n  lexical_weight: 0.5\n" +
		"sync:\n  overlap_minutes: 10\n  http_timeout: 5s\n  allowed_hosts: [redmine.example.com]\n" +
		"llm:\n  circuit:\n    failures: 7\n    open_seconds: 12\n"
	if err := os.WriteFile(p, []byte(y), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("expected addr :9090 got %q", cfg.Addr)
	}
	if cfg.Retrieval.RRFK != 30 || cfg.Retrieval.LexicalWeight != 0.5 {
		t.Fatalf("unexpected retrieval: %+v", cfg.Retrieval)
	}
	// untouched keys keep defaults
	if cfg.Retrieval.VectorWeight != 0.35 {
		t.Fatalf("expected default vector weight, got %v", cfg.Retrieval.VectorWeight)
	}
	if cfg.Sync.HTTPTimeout != 5*time.Second || cfg.Sync.OverlapMinutes != 10 {
		t.Fatalf("unexpected sync: %+v", cfg.Sync)
	}
	if len(cfg.Sync.AllowedHosts) != 1 || cfg.Sync.AllowedHosts[0] != "redmine.example.com" {
		t.Fatalf("unexpected allowed hosts: %v", cfg.Sync.AllowedHosts)
	}
	if cfg.LLM.Circuit.Failures != 7 || cfg.LLM.Circuit.OpenSeconds != 12 {
		t.Fatalf("unexpected circuit: %+v", cfg.LLM.Circuit)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RAG_ADDR", ":7070")
	t.Setenv("RAG_EMBEDDING_DIM", "64")
	t.Setenv("RAG_ALLOWED_HOSTS", "a.example, b.example ,")

	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if cfg.Embedding.Dim != 64 {
		t.Fatalf("expected dim 64, got %d", cfg.Embedding.Dim)
	}
	if len(cfg.Sync.AllowedHosts) != 2 || cfg.Sync.AllowedHosts[1] != "b.example" {
		t.Fatalf("unexpected hosts: %v", cfg.Sync.AllowedHosts)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
