package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for an agent service. It follows three-layer
// precedence:
//  1. Default values (lowest priority)
//  2. Environment variables (KENNY_*)
//  3. Functional options (highest priority)
type Config struct {
	Name    string `yaml:"name"`
	ID      string `yaml:"id"`
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`

	Registry RegistryConfig `yaml:"registry"`
	LLM      LLMConfig      `yaml:"llm"`
	Cache    CacheConfig    `yaml:"cache"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// RegistryConfig points the agent at the registry service.
type RegistryConfig struct {
	BaseURL string `yaml:"base_url"`
}

// LLMConfig configures the NL interpretation layer.
type LLMConfig struct {
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// CacheConfig sizes the three cache tiers and the background warmer.
type CacheConfig struct {
	L1 L1Config      `yaml:"l1"`
	L2 L2Config      `yaml:"l2"`
	L3 L3Config      `yaml:"l3"`
	WarmInterval time.Duration `yaml:"warm_interval"`
	WarmPatterns []string      `yaml:"warm_patterns"`
	WarmTopK     int           `yaml:"warm_top_k"`
}

type L1Config struct {
	Capacity  int           `yaml:"capacity"`
	TTL       time.Duration `yaml:"ttl"`
	LFUWeight float64       `yaml:"lfu_weight"`
}

type L2Config struct {
	Endpoint string        `yaml:"endpoint"`
	PoolSize int           `yaml:"pool_size"`
	TTL      time.Duration `yaml:"ttl"`
}

type L3Config struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// HTTPConfig tunes the embedded HTTP server.
type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CapabilityTimeout time.Duration `yaml:"capability_timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Port: 8080,
		Registry: RegistryConfig{
			BaseURL: "http://localhost:8001",
		},
		LLM: LLMConfig{
			Model:         "gpt-4o-mini",
			Timeout:       20 * time.Second,
			MinConfidence: 0.7,
		},
		Cache: CacheConfig{
			L1:           L1Config{Capacity: 1024, TTL: 30 * time.Second, LFUWeight: 0.3},
			L2:           L2Config{Endpoint: "redis://localhost:6379", PoolSize: 10, TTL: 5 * time.Minute},
			L3:           L3Config{Path: "./data/cache", TTL: time.Hour},
			WarmInterval: time.Hour,
			WarmTopK:     10,
		},
		HTTP: HTTPConfig{
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CapabilityTimeout: 30 * time.Second,
		},
	}
}

// Option configures a Config.
type Option func(*Config)

// NewConfig builds a Config from defaults, environment, then options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrManifestInvalid, cfg.Port)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KENNY_AGENT_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("KENNY_AGENT_ID"); v != "" {
		c.ID = v
	}
	if v := os.Getenv("KENNY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("KENNY_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("KENNY_REGISTRY_URL"); v != "" {
		c.Registry.BaseURL = v
	}
	if v := os.Getenv("KENNY_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("KENNY_LLM_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.LLM.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("KENNY_CACHE_L2_ENDPOINT"); v != "" {
		c.Cache.L2.Endpoint = v
	}
	if v := os.Getenv("KENNY_CACHE_L3_PATH"); v != "" {
		c.Cache.L3.Path = v
	}
	if v := os.Getenv("KENNY_CACHE_WARM_INTERVAL_S"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			c.Cache.WarmInterval = time.Duration(s) * time.Second
		}
	}
}

// LoadConfigFile overlays a YAML config file onto cfg.
func LoadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// WithName sets the agent display/registration name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithID sets the agent id.
func WithID(id string) Option {
	return func(c *Config) { c.ID = id }
}

// WithPort sets the listen port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithAddress sets the bind/advertise address.
func WithAddress(addr string) Option {
	return func(c *Config) { c.Address = addr }
}

// WithRegistryURL points the agent at a registry.
func WithRegistryURL(url string) Option {
	return func(c *Config) { c.Registry.BaseURL = strings.TrimRight(url, "/") }
}

// WithLLMModel selects the model for the NL interpretation layer.
func WithLLMModel(model string) Option {
	return func(c *Config) { c.LLM.Model = model }
}

// WithMinConfidence sets the default confidence threshold for intelligent
// capability execution.
func WithMinConfidence(min float64) Option {
	return func(c *Config) { c.LLM.MinConfidence = min }
}

// WithL2Endpoint sets the Redis endpoint backing the L2 cache tier.
func WithL2Endpoint(url string) Option {
	return func(c *Config) { c.Cache.L2.Endpoint = url }
}

// WithL3Path sets the directory backing the L3 cache tier.
func WithL3Path(path string) Option {
	return func(c *Config) { c.Cache.L3.Path = path }
}

// WithWarmPatterns seeds the static warming pattern set.
func WithWarmPatterns(patterns ...string) Option {
	return func(c *Config) { c.Cache.WarmPatterns = append(c.Cache.WarmPatterns, patterns...) }
}
