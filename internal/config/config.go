// Package config loads ICM configuration from TOML, environment, and
// built-in defaults.
//
// Lookup order: $ICM_CONFIG, then ~/.config/icm/config.toml, then defaults.
// Every key can be overridden with an ICM_-prefixed environment variable
// (dots become underscores, e.g. ICM_MEMORY_DECAY_RATE).
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/icm-sh/icm/internal/icmerr"
)

// Config is the immutable runtime configuration, constructed once at startup.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Embedder   EmbedderConfig   `mapstructure:"embedder"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Retriever  RetrieverConfig  `mapstructure:"retriever"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Recall     RecallConfig     `mapstructure:"recall"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type EmbedderConfig struct {
	Type       string `mapstructure:"type"` // none | openai
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
	// Policy on embed failure during store: embed-optional | embed-required.
	Policy string `mapstructure:"policy"`
}

type MemoryConfig struct {
	DefaultImportance      string             `mapstructure:"default_importance"`
	DecayRate              float64            `mapstructure:"decay_rate"`
	PruneThreshold         float64            `mapstructure:"prune_threshold"`
	ConsolidationThreshold int                `mapstructure:"consolidation_threshold"`
	DecayMultipliers       map[string]float64 `mapstructure:"decay_multipliers"`
}

type RetrieverConfig struct {
	BM25Weight       float64 `mapstructure:"bm25_weight"`
	VectorWeight     float64 `mapstructure:"vector_weight"`
	RerankCandidates int     `mapstructure:"rerank_candidates"`
}

type ExtractionConfig struct {
	Enabled  bool               `mapstructure:"enabled"`
	MinScore float64            `mapstructure:"min_score"`
	MaxFacts int                `mapstructure:"max_facts"`
	Weights  map[string]float64 `mapstructure:"weights"`
}

type RecallConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Limit   int  `mapstructure:"limit"`
}

type ServerConfig struct {
	Transport    string `mapstructure:"transport"` // stdio | http
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Instructions string `mapstructure:"instructions"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("embedder.type", "none")
	v.SetDefault("embedder.base_url", "")
	v.SetDefault("embedder.api_key", "")
	v.SetDefault("embedder.model", "text-embedding-3-small")
	v.SetDefault("embedder.dimensions", 384)
	v.SetDefault("embedder.policy", "embed-optional")
	v.SetDefault("memory.default_importance", "medium")
	v.SetDefault("memory.decay_rate", 0.95)
	v.SetDefault("memory.prune_threshold", 0.1)
	v.SetDefault("memory.consolidation_threshold", 50)
	v.SetDefault("memory.decay_multipliers", map[string]float64{
		"critical": 0.0, "high": 0.5, "medium": 1.0, "low": 2.0,
	})
	v.SetDefault("retriever.bm25_weight", 0.3)
	v.SetDefault("retriever.vector_weight", 0.7)
	v.SetDefault("retriever.rerank_candidates", 20)
	v.SetDefault("extraction.enabled", true)
	v.SetDefault("extraction.min_score", 3.0)
	v.SetDefault("extraction.max_facts", 10)
	v.SetDefault("extraction.weights", map[string]float64{
		"architecture": 2.0, "algorithm": 2.0, "decision": 3.0, "technical": 1.0,
	})
	v.SetDefault("recall.enabled", true)
	v.SetDefault("recall.limit", 15)
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.instructions", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Path resolves the active config file path, existing or not.
func Path() string {
	if p := os.Getenv("ICM_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "icm", "config.toml")
}

// Load reads the config file (if present) and applies environment overrides.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads a specific config file path. A missing file is not an
// error; parse failures are invalid_input.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ICM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, icmerr.Wrap(icmerr.InvalidInput, err, "parse config %s", path)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, icmerr.Wrap(icmerr.InvalidInput, err, "decode config")
	}

	// Credentials fall through from the conventional variables when the
	// file leaves them blank.
	if cfg.Embedder.APIKey == "" {
		cfg.Embedder.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Store.AuthToken == "" {
		cfg.Store.AuthToken = os.Getenv("TURSO_AUTH_TOKEN")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Store.Backend != "sqlite" {
		return icmerr.E(icmerr.InvalidInput, "unsupported store backend: %q (only sqlite is implemented)", c.Store.Backend)
	}
	switch c.Embedder.Type {
	case "none", "openai":
	default:
		return icmerr.E(icmerr.InvalidInput, "unsupported embedder type: %q", c.Embedder.Type)
	}
	switch c.Embedder.Policy {
	case "embed-optional", "embed-required":
	default:
		return icmerr.E(icmerr.InvalidInput, "invalid embedder policy: %q", c.Embedder.Policy)
	}
	if c.Memory.DecayRate <= 0 || c.Memory.DecayRate > 1 {
		return icmerr.E(icmerr.InvalidInput, "memory.decay_rate must be in (0, 1], got %v", c.Memory.DecayRate)
	}
	if c.Retriever.RerankCandidates < 1 {
		return icmerr.E(icmerr.InvalidInput, "retriever.rerank_candidates must be >= 1")
	}
	return nil
}

// DBPath resolves the database file location: --db flag beats $ICM_DB beats
// the config file beats icm/memory.db under the user config directory
// (os.UserConfigDir, ~/.config on Linux); no separate data directory is used.
func (c *Config) DBPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv("ICM_DB"); env != "" {
		return env
	}
	if c.Store.Path != "" {
		return c.Store.Path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "icm", "memory.db")
}

// DefaultTOML is the config file written by `icm config init`.
const DefaultTOML = `# ICM configuration

[store]
backend = "sqlite"
# path = "/path/to/memory.db"

[embedder]
type = "none" # set to "openai" to enable vector recall
model = "text-embedding-3-small"
dimensions = 384
policy = "embed-optional"

[memory]
default_importance = "medium"
decay_rate = 0.95
prune_threshold = 0.1
consolidation_threshold = 50

[retriever]
bm25_weight = 0.3
vector_weight = 0.7
rerank_candidates = 20

[extraction]
enabled = true
min_score = 3.0
max_facts = 10

[recall]
enabled = true
limit = 15

[server]
transport = "stdio"
host = "127.0.0.1"
port = 8787

[logging]
level = "info"
format = "text"
`
