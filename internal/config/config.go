package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	KV            KVConfig            `yaml:"kv"`
	Cache         CacheConfig         `yaml:"cache"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
	Observability ObservabilityConfig `yaml:"observability"`
	Stores        StoresConfig        `yaml:"stores"`
	Supabase      SupabaseConfig      `yaml:"supabase"`
	Warehouse     WarehouseConfig     `yaml:"warehouse"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Groq      ProviderConfig `yaml:"groq"`
}

type KVConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type SemanticCacheConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Threshold       float64 `yaml:"threshold"`
	MaxPerPartition int     `yaml:"max_per_partition"`
	EmbeddingModel  string  `yaml:"embedding_model"`
}

type CacheConfig struct {
	TTLSeconds int                 `yaml:"ttl_seconds"`
	Semantic   SemanticCacheConfig `yaml:"semantic"`
}

type DispatcherConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
	Retries   int `yaml:"retries"`
}

type QueueConfig struct {
	BatchSize       int `yaml:"batch_size"`
	BatchIntervalMs int `yaml:"batch_interval_ms"`
	MaxInFlight     int `yaml:"max_in_flight"`
}

type ObservabilityConfig struct {
	Queue QueueConfig `yaml:"queue"`
}

type StoresConfig struct {
	SnapshotCapacity     int `yaml:"snapshot_capacity"`
	ModificationCapacity int `yaml:"modification_capacity"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

// WarehouseConfig selects the analytics sink. Kind is one of
// "postgres", "pubsub", or "stdout".
type WarehouseConfig struct {
	Kind        string `yaml:"kind"`
	PostgresDSN string `yaml:"postgres_dsn"`
	PubSubTopic string `yaml:"pubsub_topic"`
	GCPProject  string `yaml:"gcp_project"`
}

// Load reads the YAML config at path (optional) and applies environment
// overrides. A missing file is not an error; env-only deployments are the
// norm on Cloud Run.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Providers: ProvidersConfig{
			OpenAI:    ProviderConfig{BaseURL: "https://api.openai.com"},
			Anthropic: ProviderConfig{BaseURL: "https://api.anthropic.com"},
			Groq:      ProviderConfig{BaseURL: "https://api.groq.com/openai"},
		},
		Cache: CacheConfig{
			TTLSeconds: 3600,
			Semantic: SemanticCacheConfig{
				Threshold:       0.92,
				MaxPerPartition: 50,
				EmbeddingModel:  "text-embedding-3-small",
			},
		},
		Dispatcher: DispatcherConfig{TimeoutMs: 60000, Retries: 2},
		Observability: ObservabilityConfig{
			Queue: QueueConfig{BatchSize: 128, BatchIntervalMs: 500, MaxInFlight: 4096},
		},
		Stores:    StoresConfig{SnapshotCapacity: 1000, ModificationCapacity: 5000},
		Warehouse: WarehouseConfig{Kind: "stdout"},
	}
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Env, "GATEWAY_ENV")

	setStr(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setStr(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setStr(&cfg.Providers.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")
	setStr(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setStr(&cfg.Providers.Groq.BaseURL, "GROQ_BASE_URL")
	setStr(&cfg.Providers.Groq.APIKey, "GROQ_API_KEY")

	setStr(&cfg.KV.URL, "KV_URL")
	setStr(&cfg.KV.Token, "KV_TOKEN")

	setBool(&cfg.Cache.Semantic.Enabled, "SEMANTIC_CACHE_ENABLED")
	setFloat(&cfg.Cache.Semantic.Threshold, "SEMANTIC_CACHE_THRESHOLD")
	setInt(&cfg.Cache.Semantic.MaxPerPartition, "SEMANTIC_CACHE_MAX_PER_PARTITION")

	setInt(&cfg.Dispatcher.TimeoutMs, "DISPATCHER_TIMEOUT_MS")
	setInt(&cfg.Dispatcher.Retries, "DISPATCHER_RETRIES")

	setInt(&cfg.Observability.Queue.BatchSize, "USAGE_QUEUE_BATCH_SIZE")
	setInt(&cfg.Observability.Queue.BatchIntervalMs, "USAGE_QUEUE_BATCH_INTERVAL_MS")
	setInt(&cfg.Observability.Queue.MaxInFlight, "USAGE_QUEUE_MAX_IN_FLIGHT")

	setInt(&cfg.Stores.SnapshotCapacity, "SNAPSHOT_STORE_CAPACITY")
	setInt(&cfg.Stores.ModificationCapacity, "MODIFICATION_STORE_CAPACITY")

	setStr(&cfg.Supabase.URL, "SUPABASE_URL")
	setStr(&cfg.Supabase.ServiceKey, "SUPABASE_SERVICE_KEY")

	setStr(&cfg.Warehouse.Kind, "WAREHOUSE_KIND")
	setStr(&cfg.Warehouse.PostgresDSN, "WAREHOUSE_POSTGRES_DSN")
	setStr(&cfg.Warehouse.PubSubTopic, "WAREHOUSE_PUBSUB_TOPIC")
	setStr(&cfg.Warehouse.GCPProject, "GCP_PROJECT")
}

// DispatchTimeout returns the per-provider deadline as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	if c.Dispatcher.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Dispatcher.TimeoutMs) * time.Millisecond
}

// BatchInterval returns the usage queue flush interval.
func (c *Config) BatchInterval() time.Duration {
	if c.Observability.Queue.BatchIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Observability.Queue.BatchIntervalMs) * time.Millisecond
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
