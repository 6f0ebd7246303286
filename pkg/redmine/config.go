package redmine

import "time"

// Config holds settings for the tracker client.
type Config struct {
	// BaseURL is the tracker root, e.g. https://redmine.example.com
	BaseURL string `yaml:"base_url" json:"base_url"`
	// APIKey is sent as X-Redmine-API-Key
	APIKey string `yaml:"api_key" json:"-"`
	// RoleHeader, when set, is sent as X-Mock-Role to reach private resources
	RoleHeader string `yaml:"role_header" json:"role_header"`
	// Timeout is the per-request timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Retries is the number of retry attempts for transient failures
	Retries int `yaml:"retries" json:"retries"`
	// Backoff is the base delay, doubled on each retry
	Backoff time.Duration `yaml:"backoff" json:"backoff"`
	// AllowedHosts restricts outbound hostnames when non-empty
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	// VerifySSL disables certificate verification when false
	VerifySSL bool `yaml:"verify_ssl" json:"verify_ssl"`
	// PageLimit is the page size requested from list endpoints
	PageLimit int `yaml:"page_limit" json:"page_limit"`
	// MaxPages bounds pagination per listing
	MaxPages int `yaml:"max_pages" json:"max_pages"`
	// MaxBodyBytes caps a response body; larger bodies fail the request
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:3000",
		Timeout:      30 * time.Second,
		Retries:      3,
		Backoff:      500 * time.Millisecond,
		VerifySSL:    true,
		PageLimit:    100,
		MaxPages:     1000,
		MaxBodyBytes: maxBodyBytes,
	}
}
