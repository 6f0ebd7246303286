package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AnswerModeDeterministic = "deterministic"
	AnswerModeLLMGrounded   = "llm_grounded"

	DefaultOllamaURL = "http://localhost:11434"
)

type Config struct {
	Addr         string        `yaml:"addr"`
	JWTSecret    string        `yaml:"jwt_secret"`
	APITimeout   time.Duration `yaml:"timeout"`
	DatabasePath string        `yaml:"database_path"`

	Log       LogConfig       `yaml:"log"`
	Redmine   RedmineConfig   `yaml:"redmine"`
	Sync      SyncConfig      `yaml:"sync"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ask       AskConfig       `yaml:"ask"`
	Extractor ExtractorConfig `yaml:"extractor"`
	LLM       LLMConfig       `yaml:"llm"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type RedmineConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// RoleHeader is sent as X-Mock-Role to reach private resources on the fixture upstream.
	RoleHeader string `yaml:"role_header"`
}

type SyncConfig struct {
	OverlapMinutes  int           `yaml:"overlap_minutes"`
	JobHistoryLimit int           `yaml:"job_history_limit"`
	AllowedHosts    []string      `yaml:"allowed_hosts"`
	VerifySSL       bool          `yaml:"verify_ssl"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	Backoff         time.Duration `yaml:"backoff"`
	PageLimit       int           `yaml:"page_limit"`
	MaxPages        int           `yaml:"max_pages"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	Interval        time.Duration `yaml:"interval"`
	ProjectIDs      []int64       `yaml:"project_ids"`
	Modules         []string      `yaml:"modules"`
	LockPath        string        `yaml:"lock_path"`
}

type ChunkingConfig struct {
	TargetChars  int `yaml:"target_chars"`
	OverlapChars int `yaml:"overlap_chars"`
}

type EmbeddingConfig struct {
	Dim             int    `yaml:"dim"`
	VectorIndexPath string `yaml:"vector_index_path"`
	VectorMetaPath  string `yaml:"vector_meta_path"`
}

type RetrievalConfig struct {
	LexicalWeight         float64       `yaml:"lexical_weight"`
	VectorWeight          float64       `yaml:"vector_weight"`
	RRFK                  float64       `yaml:"rrf_k"`
	CandidateMultiplier   int           `yaml:"candidate_multiplier"`
	PlannerEnabled        bool          `yaml:"planner_enabled"`
	PlannerMode           string        `yaml:"planner_mode"`
	PlannerMaxExpansions  int           `yaml:"planner_max_expansions"`
	PlannerTimeout        time.Duration `yaml:"planner_timeout"`
	PlannerSynonyms       [][]string    `yaml:"planner_synonyms"`
	FreshnessRecentBoost  float64       `yaml:"freshness_recent_boost"`
	FreshnessMonthlyBoost float64       `yaml:"freshness_monthly_boost"`
}

type AskConfig struct {
	AnswerMode     string        `yaml:"answer_mode"`
	LLMTimeout     time.Duration `yaml:"llm_timeout"`
	MaxClaims      int           `yaml:"max_claims"`
	MaxRetries     int           `yaml:"max_retries"`
	CostLimitUSD   float64       `yaml:"cost_limit_usd"`
	StopwordsExtra []string      `yaml:"stopwords_extra"`
}

type ExtractorConfig struct {
	Version      string        `yaml:"version"`
	LLMEnabled   bool          `yaml:"llm_enabled"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`
	CostLimitUSD float64       `yaml:"cost_limit_usd"`
	BatchSize    int           `yaml:"batch_size"`
}

type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	RuntimeBaseURL string        `yaml:"runtime_base_url"`
	APIKey         string        `yaml:"api_key"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	Retries        int           `yaml:"retries"`
	Backoff        time.Duration `yaml:"backoff"`
	Timeout        time.Duration `yaml:"timeout"`
	// CostPer1KInput/Output are used to estimate spend for providers that do not report cost.
	CostPer1KInput  float64            `yaml:"cost_per_1k_input"`
	CostPer1KOutput float64            `yaml:"cost_per_1k_output"`
	CostBudgetUSD   float64            `yaml:"cost_budget_usd"`
	Circuit         CircuitConfig      `yaml:"circuit"`
	TelemetryWindow int                `yaml:"telemetry_window"`
	Guardrails      GuardrailsConfig   `yaml:"guardrails"`
	Components      map[string]float64 `yaml:"component_cost_limits"`
}

type CircuitConfig struct {
	Failures    int   `yaml:"failures"`
	SlowMS      int64 `yaml:"slow_ms"`
	SlowHits    int   `yaml:"slow_hits"`
	OpenSeconds int   `yaml:"open_seconds"`
}

type GuardrailsConfig struct {
	InjectionPatterns []string `yaml:"injection_patterns"`
	UnsafeCommands    []string `yaml:"unsafe_commands"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Addr:         ":8080",
		APITimeout:   15 * time.Second,
		DatabasePath: "rag.db",
		Log:          LogConfig{Level: "info", Format: "json", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14},
		Sync: SyncConfig{
			OverlapMinutes:  5,
			JobHistoryLimit: 200,
			VerifySSL:       true,
			HTTPTimeout:     30 * time.Second,
			MaxRetries:      3,
			Backoff:         500 * time.Millisecond,
			PageLimit:       100,
			MaxPages:        1000,
			LockPath:        "sync.lock",
		},
		Chunking:  ChunkingConfig{TargetChars: 1200, OverlapChars: 150},
		Embedding: EmbeddingConfig{Dim: 256, VectorIndexPath: "vectors.f32", VectorMetaPath: "vectors.keys.json"},
		Retrieval: RetrievalConfig{
			LexicalWeight:         0.65,
			VectorWeight:          0.35,
			RRFK:                  60,
			CandidateMultiplier:   4,
			PlannerMode:           "heuristic",
			PlannerMaxExpansions:  3,
			PlannerTimeout:        5 * time.Second,
			FreshnessRecentBoost:  0.5,
			FreshnessMonthlyBoost: 0.2,
		},
		Ask: AskConfig{
			AnswerMode:   AnswerModeDeterministic,
			LLMTimeout:   20 * time.Second,
			MaxClaims:    5,
			MaxRetries:   1,
			CostLimitUSD: 1.0,
		},
		Extractor: ExtractorConfig{
			Version:      "det-v1",
			LLMTimeout:   30 * time.Second,
			CostLimitUSD: 1.0,
			BatchSize:    200,
		},
		LLM: LLMConfig{
			Provider:        "ollama",
			Model:           "llama3.2:3b",
			RuntimeBaseURL:  DefaultOllamaURL,
			MaxConcurrency:  2,
			Retries:         1,
			Backoff:         250 * time.Millisecond,
			Timeout:         30 * time.Second,
			CostBudgetUSD:   5.0,
			Circuit:         CircuitConfig{Failures: 3, SlowMS: 15000, SlowHits: 3, OpenSeconds: 60},
			TelemetryWindow: 200,
		},
	}
}

// LoadConfig reads defaults, then the YAML file at path (if any), then RAG_* env overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnv(cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("RAG_ADDR", cfg.Addr)
	cfg.DatabasePath = getEnv("RAG_DATABASE_PATH", cfg.DatabasePath)
	cfg.JWTSecret = getEnv("RAG_JWT_SECRET", cfg.JWTSecret)
	cfg.Redmine.BaseURL = getEnv("RAG_REDMINE_URL", cfg.Redmine.BaseURL)
	cfg.Redmine.APIKey = getEnv("RAG_REDMINE_API_KEY", cfg.Redmine.APIKey)
	cfg.LLM.Provider = getEnv("RAG_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.Model = getEnv("RAG_LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.RuntimeBaseURL = getEnv("RAG_LLM_BASE_URL", cfg.LLM.RuntimeBaseURL)
	cfg.Ask.AnswerMode = getEnv("RAG_ANSWER_MODE", cfg.Ask.AnswerMode)
	if cfg.LLM.Provider == "anthropic" {
		cfg.LLM.APIKey = getEnv("ANTHROPIC_API_KEY", cfg.LLM.APIKey)
	}
	if v := os.Getenv("RAG_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dim = n
		}
	}
	if v := os.Getenv("RAG_ALLOWED_HOSTS"); v != "" {
		var hosts []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		cfg.Sync.AllowedHosts = hosts
	}
}

// Validate checks ranges and enumerations; it does not touch the network.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.Embedding.Dim <= 0 {
		errs = append(errs, errors.New("embedding.dim must be > 0"))
	}
	if c.Chunking.TargetChars <= 0 {
		errs = append(errs, errors.New("chunking.target_chars must be > 0"))
	}
	if c.Chunking.OverlapChars < 0 {
		errs = append(errs, errors.New("chunking.overlap_chars must be >= 0"))
	}
	r := c.Retrieval
	if r.LexicalWeight < 0 || r.VectorWeight < 0 || r.LexicalWeight+r.VectorWeight == 0 {
		errs = append(errs, errors.New("retrieval weights must be >= 0 and not both zero"))
	}
	if r.RRFK <= 0 {
		errs = append(errs, errors.New("retrieval.rrf_k must be > 0"))
	}
	if r.CandidateMultiplier < 1 {
		errs = append(errs, errors.New("retrieval.candidate_multiplier must be >= 1"))
	}
	if r.PlannerMode != "heuristic" && r.PlannerMode != "llm" {
		errs = append(errs, fmt.Errorf("retrieval.planner_mode %q not in {heuristic, llm}", r.PlannerMode))
	}
	if c.Ask.AnswerMode != AnswerModeDeterministic && c.Ask.AnswerMode != AnswerModeLLMGrounded {
		errs = append(errs, fmt.Errorf("ask.answer_mode %q not in {deterministic, llm_grounded}", c.Ask.AnswerMode))
	}
	if c.Ask.MaxClaims <= 0 {
		errs = append(errs, errors.New("ask.max_claims must be > 0"))
	}
	switch c.LLM.Provider {
	case "ollama", "anthropic", "mock":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q not in {ollama, anthropic, mock}", c.LLM.Provider))
	}
	if c.LLM.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("llm.max_concurrency must be > 0"))
	}
	if c.Sync.OverlapMinutes < 0 {
		errs = append(errs, errors.New("sync.overlap_minutes must be >= 0"))
	}
	if c.Sync.JobHistoryLimit < 0 {
		errs = append(errs, errors.New("sync.job_history_limit must be >= 0"))
	}

	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
