package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all mnemo configuration. Every tunable of the retrieval,
// decay, and consolidation pipelines lives here so tests can pin them.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Search        SearchConfig        `yaml:"search"`
	Decay         DecayConfig         `yaml:"decay"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	LogLevel      string              `yaml:"log_level"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type EmbeddingConfig struct {
	Provider      string `yaml:"provider"` // "ollama", "onnx", "none"
	OllamaURL     string `yaml:"ollama_url"`
	Model         string `yaml:"model"`
	ModelPath     string `yaml:"model_path"` // onnx model file
	TokenizerPath string `yaml:"tokenizer_path"`
	Dimensions    int    `yaml:"dimensions"`
	CacheSize     int64  `yaml:"cache_size"` // max cached embeddings
}

type SearchConfig struct {
	VectorWeight  float64 `yaml:"vector_weight"`
	KeywordWeight float64 `yaml:"keyword_weight"`
	Candidates    int     `yaml:"candidates"` // per-channel pool before fusion
	DefaultLimit  int     `yaml:"default_limit"`
}

type DecayConfig struct {
	HalfLifeDays    float64 `yaml:"half_life_days"`
	AccessBonusDays float64 `yaml:"access_bonus_days"`
	MaxHalfLifeDays float64 `yaml:"max_half_life_days"`
	Floor           float64 `yaml:"floor"`
}

type ConsolidationConfig struct {
	ClusterThreshold   float64 `yaml:"cluster_threshold"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	MaxClusterSize     int     `yaml:"max_cluster_size"`
}

// Default returns a Config with the stock tuning.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37740,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			OllamaURL:  "http://localhost:11434",
			Model:      "all-minilm",
			Dimensions: 384,
			CacheSize:  4096,
		},
		Search: SearchConfig{
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
			Candidates:    20,
			DefaultLimit:  10,
		},
		Decay: DecayConfig{
			HalfLifeDays:    90,
			AccessBonusDays: 30,
			MaxHalfLifeDays: 730,
			Floor:           0.05,
		},
		Consolidation: ConsolidationConfig{
			ClusterThreshold:   0.80,
			DuplicateThreshold: 0.92,
			MaxClusterSize:     10,
		},
		LogLevel: "info",
	}
}

// Load reads config from disk; a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port out of range")
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("embedding.dimensions must be > 0")
	}
	if c.Search.VectorWeight < 0 || c.Search.KeywordWeight < 0 {
		return errors.New("search weights must be >= 0")
	}
	if c.Search.VectorWeight+c.Search.KeywordWeight == 0 {
		return errors.New("search weights must not both be zero")
	}
	if c.Search.Candidates <= 0 {
		return errors.New("search.candidates must be > 0")
	}
	if c.Search.DefaultLimit <= 0 {
		return errors.New("search.default_limit must be > 0")
	}
	if c.Decay.HalfLifeDays <= 0 {
		return errors.New("decay.half_life_days must be > 0")
	}
	if c.Decay.MaxHalfLifeDays < c.Decay.HalfLifeDays {
		return errors.New("decay.max_half_life_days must be >= half_life_days")
	}
	if c.Decay.Floor < 0 || c.Decay.Floor > 1 {
		return errors.New("decay.floor must be in [0, 1]")
	}
	if c.Consolidation.ClusterThreshold <= 0 || c.Consolidation.ClusterThreshold > 1 {
		return errors.New("consolidation.cluster_threshold must be in (0, 1]")
	}
	if c.Consolidation.DuplicateThreshold <= 0 || c.Consolidation.DuplicateThreshold > 1 {
		return errors.New("consolidation.duplicate_threshold must be in (0, 1]")
	}
	if c.Consolidation.MaxClusterSize < 2 {
		return errors.New("consolidation.max_cluster_size must be >= 2")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return p
}
