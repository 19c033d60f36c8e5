// Package config holds global settings for the Bulwark defense pipeline.
// All settings can be configured via environment variables (prefix BULWARK_)
// or programmatically before the guard is constructed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReviewProvider defines the backend service used for LLM second-opinion review.
type ReviewProvider string

const (
	ProviderNone       ReviewProvider = "none"       // No reviewer, heuristics only
	ProviderOpenRouter ReviewProvider = "openrouter" // Default cloud provider (free tier)
	ProviderOllama     ReviewProvider = "ollama"     // Local Ollama server
	ProviderGroq       ReviewProvider = "groq"       // High-speed inference
	ProviderCerebras   ReviewProvider = "cerebras"
	ProviderCustom     ReviewProvider = "custom" // Any OpenAI-compatible endpoint
)

// KnownProviders lists every provider the review engine can talk to.
func KnownProviders() []ReviewProvider {
	return []ReviewProvider{
		ProviderNone, ProviderOpenRouter, ProviderOllama,
		ProviderGroq, ProviderCerebras, ProviderCustom,
	}
}

// ValidProvider reports whether p names a supported review backend.
func ValidProvider(p ReviewProvider) bool {
	for _, k := range KnownProviders() {
		if p == k {
			return true
		}
	}
	return false
}

// TierThresholds maps heuristic scores to severity tiers. A score below
// Medium is tier low; thresholds must be ascending.
type TierThresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

// Config holds the tunable policy for one Bulwark deployment.
type Config struct {
	// === Detection ===
	Thresholds          TierThresholds // heuristic tier boundaries
	PersonaEnabled      bool           // run the persona conflict detector
	PersonaSensitivity  float64        // 0.1-1.0, scales persona penalties
	PersonaProfileFile  string         // optional YAML profile override
	RulesFile           string         // optional YAML pattern overlay
	SkipCommandMessages bool           // leading "/" messages bypass scanning

	// === Review engine ===
	ReviewProvider    ReviewProvider
	ReviewModel       string
	ReviewBaseURL     string
	ReviewAPIKey      string
	ReviewTimeout     time.Duration
	ReviewPrivateChat bool          // opt-in review for private channels
	ReviewIdleWindow  time.Duration // active -> standby after this much quiet

	// === Ban policy ===
	AutoBanEnabled  bool
	AutoBanAfter    int           // offenses before an automatic ban
	AutoBanDuration time.Duration // 0 = permanent
	OffenseWindow   time.Duration // offense counters decay after this
	RedisAddr       string        // non-empty selects the Redis-backed ledger

	// === Audit ===
	AuditCapacity int    // bounded incident ring size
	ArchiveDSN    string // non-empty enables the Postgres incident archiver

	// === Semantic layer (optional) ===
	SemanticEnabled   bool
	SemanticBaseURL   string // Ollama endpoint for embeddings
	SemanticModel     string
	SemanticThreshold float32

	// === Host surface ===
	AdminKey string // shared key for the admin API
}

// NewDefaultConfig creates a Config with sensible defaults, each overridable
// via environment variables.
func NewDefaultConfig() *Config {
	return &Config{
		Thresholds: TierThresholds{
			Medium:   GetEnvFloat("BULWARK_MEDIUM_THRESHOLD", 7),
			High:     GetEnvFloat("BULWARK_HIGH_THRESHOLD", 11),
			Critical: GetEnvFloat("BULWARK_CRITICAL_THRESHOLD", 18),
		},
		PersonaEnabled:      GetEnvBool("BULWARK_PERSONA_ENABLED", true),
		PersonaSensitivity:  GetEnvFloat("BULWARK_PERSONA_SENSITIVITY", 0.7),
		PersonaProfileFile:  GetEnv("BULWARK_PERSONA_FILE", ""),
		RulesFile:           GetEnv("BULWARK_RULES_FILE", ""),
		SkipCommandMessages: GetEnvBool("BULWARK_SKIP_COMMANDS", true),

		ReviewProvider:    detectProvider(),
		ReviewModel:       GetEnv("BULWARK_REVIEW_MODEL", ""),
		ReviewBaseURL:     GetEnv("BULWARK_REVIEW_BASE_URL", ""),
		ReviewAPIKey:      GetEnv("BULWARK_REVIEW_API_KEY", os.Getenv("OPENROUTER_API_KEY")),
		ReviewTimeout:     GetEnvDuration("BULWARK_REVIEW_TIMEOUT", 8*time.Second),
		ReviewPrivateChat: GetEnvBool("BULWARK_REVIEW_PRIVATE_CHAT", false),
		ReviewIdleWindow:  GetEnvDuration("BULWARK_REVIEW_IDLE_WINDOW", 5*time.Second),

		AutoBanEnabled:  GetEnvBool("BULWARK_AUTOBAN", true),
		AutoBanAfter:    GetEnvInt("BULWARK_AUTOBAN_AFTER", 2),
		AutoBanDuration: GetEnvDuration("BULWARK_AUTOBAN_DURATION", 30*time.Minute),
		OffenseWindow:   GetEnvDuration("BULWARK_OFFENSE_WINDOW", 24*time.Hour),
		RedisAddr:       GetEnv("BULWARK_REDIS_ADDR", ""),

		AuditCapacity: clampInt(GetEnvInt("BULWARK_AUDIT_CAPACITY", 1000), 16, 100000),
		ArchiveDSN:    GetEnv("BULWARK_ARCHIVE_DSN", ""),

		SemanticEnabled:   GetEnvBool("BULWARK_SEMANTIC_ENABLED", false),
		SemanticBaseURL:   GetEnv("BULWARK_SEMANTIC_BASE_URL", "http://localhost:11434"),
		SemanticModel:     GetEnv("BULWARK_SEMANTIC_MODEL", "nomic-embed-text"),
		SemanticThreshold: float32(GetEnvFloat("BULWARK_SEMANTIC_THRESHOLD", 0.65)),

		AdminKey: GetEnv("BULWARK_ADMIN_KEY", ""),
	}
}

// NewHighSecurityConfig lowers tier boundaries and bans on the first offense.
// Expect more false positives.
func NewHighSecurityConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Thresholds = TierThresholds{Medium: 5, High: 8, Critical: 13}
	cfg.AutoBanAfter = 1
	cfg.PersonaSensitivity = 1.0
	return cfg
}

// NewHighUsabilityConfig raises tier boundaries to minimize false positives.
func NewHighUsabilityConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Thresholds = TierThresholds{Medium: 9, High: 14, Critical: 22}
	cfg.AutoBanAfter = 3
	cfg.PersonaSensitivity = 0.5
	return cfg
}

func detectProvider() ReviewProvider {
	if p := os.Getenv("BULWARK_REVIEW_PROVIDER"); p != "" {
		return ReviewProvider(p)
	}
	if os.Getenv("GROQ_API_KEY") != "" {
		return ProviderGroq
	}
	if os.Getenv("OPENROUTER_API_KEY") != "" || os.Getenv("BULWARK_REVIEW_API_KEY") != "" {
		return ProviderOpenRouter
	}
	return ProviderOllama
}

// Validate checks invariants that would otherwise surface as confusing
// behavior at message-handling time.
func (c *Config) Validate() error {
	var problems []string

	if !ValidProvider(c.ReviewProvider) {
		problems = append(problems, fmt.Sprintf("unknown review provider %q", c.ReviewProvider))
	}
	t := c.Thresholds
	if !(t.Medium > 0 && t.Medium < t.High && t.High < t.Critical) {
		problems = append(problems, fmt.Sprintf("tier thresholds must ascend: %v", t))
	}
	if c.PersonaSensitivity < 0.1 || c.PersonaSensitivity > 1.0 {
		problems = append(problems, fmt.Sprintf("persona sensitivity %.2f outside [0.1, 1.0]", c.PersonaSensitivity))
	}
	if c.AutoBanAfter < 1 {
		problems = append(problems, "autoban threshold must be at least 1")
	}
	if c.ReviewTimeout <= 0 {
		problems = append(problems, "review timeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// Environment variable helpers, exported for use by other packages.

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default value.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvDuration returns the duration value of an environment variable or a default value.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
