// Package config loads the ShadowHunter configuration: a YAML file,
// overridden field-by-field by environment variables, then defaulted.
// The load/override/default/singleton shape is carried over verbatim from
// the teacher's internal/config package.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ServerConfig controls the HTTP/WS listener.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int      `yaml:"idle_timeout_sec"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// CaptureConfig controls the live packet sniffer.
type CaptureConfig struct {
	Live      bool   `yaml:"live"`
	Interface string `yaml:"interface"`
	SnapLen   int    `yaml:"snap_len"`
}

// GeneratorConfig controls the synthetic traffic generator.
type GeneratorConfig struct {
	Seed         int64  `yaml:"seed"`
	PersonasFile string `yaml:"personas_file"`
	EventsPerSec int    `yaml:"events_per_sec"`
}

// GraphConfig controls the persistent graph store.
type GraphConfig struct {
	DBPath       string `yaml:"db_path"`
	InMemory     bool   `yaml:"in_memory"`
	ResetOnStart bool   `yaml:"reset_on_start"`
}

// BrokerConfig controls the event bus and its optional durable backends.
type BrokerConfig struct {
	QueueDepth      int    `yaml:"queue_depth"`
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
}

// DefenseConfig controls active probing and the response manager.
type DefenseConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ProbeCooldownSec  int      `yaml:"probe_cooldown_sec"`
	ProbesPerMinute   int      `yaml:"probes_per_minute"`
	ProbeTimeoutSec   int      `yaml:"probe_timeout_sec"`
	MaxInFlightProbes int      `yaml:"max_inflight_probes"`
	BlocklistTTLSec   int      `yaml:"blocklist_ttl_sec"`
	CriticalRisk      float64  `yaml:"critical_risk"`
	SafeList          []string `yaml:"safe_list"`
}

// AnalyzerConfig controls the orchestrator pipeline.
type AnalyzerConfig struct {
	WorkerCount      int `yaml:"worker_count"`
	QueueDepth       int `yaml:"queue_depth"`
	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

// Config is the complete, loaded configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Generator GeneratorConfig `yaml:"generator"`
	Graph     GraphConfig     `yaml:"graph"`
	Broker    BrokerConfig    `yaml:"broker"`
	Defense   DefenseConfig   `yaml:"defense"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	KnowledgeBasePath string `yaml:"knowledge_base_path"`
	PolicyRulesPath   string `yaml:"policy_rules_path"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton Config, loading it from
// CONFIG_PATH (default "config.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		instance = Load(getEnv("CONFIG_PATH", "config.yaml"))
	})
	return instance
}

// Load builds a fresh Config from path, independent of the singleton — used
// by tests that want an isolated instance.
func Load(path string) *Config {
	_ = godotenv.Load() // best-effort, fine if absent

	cfg := &Config{}
	if raw, err := os.ReadFile(path); err == nil {
		_ = yaml.Unmarshal(raw, cfg)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = getEnvInt("SH_SERVER_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeoutSec = getEnvInt("SH_SERVER_READ_TIMEOUT_SEC", cfg.Server.ReadTimeoutSec)
	cfg.Server.WriteTimeoutSec = getEnvInt("SH_SERVER_WRITE_TIMEOUT_SEC", cfg.Server.WriteTimeoutSec)
	cfg.Server.IdleTimeoutSec = getEnvInt("SH_SERVER_IDLE_TIMEOUT_SEC", cfg.Server.IdleTimeoutSec)
	if v := getEnv("SH_SERVER_ALLOWED_ORIGINS", ""); v != "" {
		cfg.Server.AllowedOrigins = splitCSV(v)
	}

	cfg.Capture.Live = getEnvBool("SH_CAPTURE_LIVE", cfg.Capture.Live)
	cfg.Capture.Interface = getEnv("SH_CAPTURE_INTERFACE", cfg.Capture.Interface)
	cfg.Capture.SnapLen = getEnvInt("SH_CAPTURE_SNAPLEN", cfg.Capture.SnapLen)

	cfg.Generator.Seed = int64(getEnvInt("SH_GENERATOR_SEED", int(cfg.Generator.Seed)))
	cfg.Generator.PersonasFile = getEnv("SH_GENERATOR_PERSONAS_FILE", cfg.Generator.PersonasFile)
	cfg.Generator.EventsPerSec = getEnvInt("SH_GENERATOR_EVENTS_PER_SEC", cfg.Generator.EventsPerSec)

	cfg.Graph.DBPath = getEnv("SH_GRAPH_DB_PATH", cfg.Graph.DBPath)
	cfg.Graph.InMemory = getEnvBool("SH_GRAPH_IN_MEMORY", cfg.Graph.InMemory)
	cfg.Graph.ResetOnStart = getEnvBool("SH_GRAPH_RESET_ON_START", cfg.Graph.ResetOnStart)

	cfg.Broker.QueueDepth = getEnvInt("SH_BROKER_QUEUE_DEPTH", cfg.Broker.QueueDepth)
	cfg.Broker.PubSubProjectID = getEnv("SH_BROKER_PUBSUB_PROJECT_ID", cfg.Broker.PubSubProjectID)
	cfg.Broker.PubSubTopicID = getEnv("SH_BROKER_PUBSUB_TOPIC_ID", cfg.Broker.PubSubTopicID)
	cfg.Broker.RedisAddr = getEnv("SH_BROKER_REDIS_ADDR", cfg.Broker.RedisAddr)
	cfg.Broker.RedisPassword = getEnv("SH_BROKER_REDIS_PASSWORD", cfg.Broker.RedisPassword)
	cfg.Broker.RedisDB = getEnvInt("SH_BROKER_REDIS_DB", cfg.Broker.RedisDB)

	cfg.Defense.Enabled = getEnvBool("SH_DEFENSE_ENABLED", cfg.Defense.Enabled)
	cfg.Defense.ProbeCooldownSec = getEnvInt("SH_DEFENSE_PROBE_COOLDOWN_SEC", cfg.Defense.ProbeCooldownSec)
	cfg.Defense.ProbesPerMinute = getEnvInt("SH_DEFENSE_PROBES_PER_MINUTE", cfg.Defense.ProbesPerMinute)
	cfg.Defense.ProbeTimeoutSec = getEnvInt("SH_DEFENSE_PROBE_TIMEOUT_SEC", cfg.Defense.ProbeTimeoutSec)
	cfg.Defense.MaxInFlightProbes = getEnvInt("SH_DEFENSE_MAX_INFLIGHT_PROBES", cfg.Defense.MaxInFlightProbes)
	cfg.Defense.BlocklistTTLSec = getEnvInt("SH_DEFENSE_BLOCKLIST_TTL_SEC", cfg.Defense.BlocklistTTLSec)
	cfg.Defense.CriticalRisk = getEnvFloat("SH_DEFENSE_CRITICAL_RISK", cfg.Defense.CriticalRisk)
	if v := getEnv("SH_DEFENSE_SAFE_LIST", ""); v != "" {
		cfg.Defense.SafeList = splitCSV(v)
	}

	cfg.Analyzer.WorkerCount = getEnvInt("SH_ANALYZER_WORKER_COUNT", cfg.Analyzer.WorkerCount)
	cfg.Analyzer.QueueDepth = getEnvInt("SH_ANALYZER_QUEUE_DEPTH", cfg.Analyzer.QueueDepth)
	cfg.Analyzer.ShutdownGraceSec = getEnvInt("SH_ANALYZER_SHUTDOWN_GRACE_SEC", cfg.Analyzer.ShutdownGraceSec)

	cfg.Metrics.BindAddr = getEnv("SH_METRICS_BIND_ADDR", cfg.Metrics.BindAddr)

	cfg.KnowledgeBasePath = getEnv("SH_KNOWLEDGE_BASE_PATH", cfg.KnowledgeBasePath)
	cfg.PolicyRulesPath = getEnv("SH_POLICY_RULES_PATH", cfg.PolicyRulesPath)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadTimeoutSec == 0 {
		cfg.Server.ReadTimeoutSec = 15
	}
	if cfg.Server.WriteTimeoutSec == 0 {
		cfg.Server.WriteTimeoutSec = 15
	}
	if cfg.Server.IdleTimeoutSec == 0 {
		cfg.Server.IdleTimeoutSec = 60
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Capture.SnapLen == 0 {
		cfg.Capture.SnapLen = 65535
	}
	if cfg.Generator.EventsPerSec == 0 {
		cfg.Generator.EventsPerSec = 15
	}
	if cfg.Graph.DBPath == "" {
		cfg.Graph.DBPath = "shadowhunter.db"
	}
	if cfg.Broker.QueueDepth == 0 {
		cfg.Broker.QueueDepth = 4096
	}
	if cfg.Defense.ProbeCooldownSec == 0 {
		cfg.Defense.ProbeCooldownSec = 300
	}
	if cfg.Defense.ProbesPerMinute == 0 {
		cfg.Defense.ProbesPerMinute = 10
	}
	if cfg.Defense.ProbeTimeoutSec == 0 {
		cfg.Defense.ProbeTimeoutSec = 5
	}
	if cfg.Defense.MaxInFlightProbes == 0 {
		cfg.Defense.MaxInFlightProbes = 2
	}
	if cfg.Defense.BlocklistTTLSec == 0 {
		cfg.Defense.BlocklistTTLSec = 3600
	}
	if cfg.Defense.CriticalRisk == 0 {
		cfg.Defense.CriticalRisk = 95
	}
	if len(cfg.Defense.SafeList) == 0 {
		cfg.Defense.SafeList = []string{"8.8.8.8", "1.1.1.1", "127.0.0.1"}
	}
	if cfg.Analyzer.WorkerCount == 0 {
		cfg.Analyzer.WorkerCount = 4
	}
	if cfg.Analyzer.QueueDepth == 0 {
		cfg.Analyzer.QueueDepth = 1024
	}
	if cfg.Analyzer.ShutdownGraceSec == 0 {
		cfg.Analyzer.ShutdownGraceSec = 5
	}
	if cfg.Metrics.BindAddr == "" {
		cfg.Metrics.BindAddr = ":9090"
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
