// Package config loads service configuration from an optional YAML file
// with environment-variable overrides. Environment wins over file, file
// wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration shared by cmd/api and
// cmd/indexer.
type Config struct {
	HTTP struct {
		Addr       string `yaml:"addr"`
		CORSOrigin string `yaml:"cors_origin"`
	} `yaml:"http"`

	Ollama struct {
		BaseURL    string  `yaml:"base_url"`
		EmbedModel string  `yaml:"embed_model"`
		ChatModel  string  `yaml:"chat_model"`
		EmbedRate  float64 `yaml:"embed_rate"`  // embeddings per second
		EmbedBurst int     `yaml:"embed_burst"` // bucket capacity
	} `yaml:"ollama"`

	Corpus struct {
		DocsDir    string `yaml:"docs_dir"`
		IndexPath  string `yaml:"index_path"`
		Strategy   string `yaml:"strategy"`    // recursive, fixed_size, semantic
		SearchMode string `yaml:"search_mode"` // similarity, mmr, hybrid
		RetrieveK  int    `yaml:"retrieve_k"`
	} `yaml:"corpus"`

	Chunking struct {
		FixedSize        int `yaml:"fixed_size"`
		FixedOverlap     int `yaml:"fixed_overlap"`
		RecursiveSize    int `yaml:"recursive_size"`
		RecursiveOverlap int `yaml:"recursive_overlap"`
		SemanticClusters int `yaml:"semantic_clusters"`
	} `yaml:"chunking"`

	Store struct {
		Path string `yaml:"path"` // SQLite database file
	} `yaml:"store"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	GenerationTimeout Duration `yaml:"generation_timeout"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.HTTP.CORSOrigin = "*"
	c.Ollama.BaseURL = "http://localhost:11434"
	c.Ollama.EmbedModel = "nomic-embed-text"
	c.Ollama.ChatModel = "llama3"
	c.Ollama.EmbedRate = 20
	c.Ollama.EmbedBurst = 20
	c.Corpus.DocsDir = "data/admin_docs"
	c.Corpus.IndexPath = "data/admin.idx"
	c.Corpus.Strategy = "recursive"
	c.Corpus.SearchMode = "hybrid"
	c.Corpus.RetrieveK = 5
	c.Chunking.FixedSize = 800
	c.Chunking.FixedOverlap = 100
	c.Chunking.RecursiveSize = 1000
	c.Chunking.RecursiveOverlap = 150
	c.Chunking.SemanticClusters = 10
	c.Store.Path = "data/campuschat.db"
	c.NATS.URL = ""
	c.GenerationTimeout = Duration(2 * time.Minute)
	return c
}

// Load reads the YAML file at path (skipped when path is empty or the
// file is absent) and applies environment overrides.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, &c); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	c.HTTP.Addr = envOr("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.CORSOrigin = envOr("CORS_ORIGIN", c.HTTP.CORSOrigin)
	c.Ollama.BaseURL = envOr("OLLAMA_URL", c.Ollama.BaseURL)
	c.Ollama.EmbedModel = envOr("OLLAMA_EMBED_MODEL", c.Ollama.EmbedModel)
	c.Ollama.ChatModel = envOr("OLLAMA_CHAT_MODEL", c.Ollama.ChatModel)
	c.Corpus.DocsDir = envOr("ADMIN_DOCS_DIR", c.Corpus.DocsDir)
	c.Corpus.IndexPath = envOr("ADMIN_INDEX_PATH", c.Corpus.IndexPath)
	c.Corpus.Strategy = envOr("CHUNK_STRATEGY", c.Corpus.Strategy)
	c.Corpus.SearchMode = envOr("SEARCH_MODE", c.Corpus.SearchMode)
	c.Corpus.RetrieveK = envOrInt("RETRIEVE_K", c.Corpus.RetrieveK)
	c.Store.Path = envOr("STORE_PATH", c.Store.Path)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
	if v := os.Getenv("GENERATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: GENERATION_TIMEOUT: %w", err)
		}
		c.GenerationTimeout = Duration(d)
	}

	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
