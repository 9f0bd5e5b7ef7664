package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full orchestrator configuration: YAML file, overridden by
// environment variables, with defaults for everything left unset.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Consume ConsumeConfig `yaml:"consume"`
	Routing RoutingConfig `yaml:"routing"`
	Health  HealthConfig  `yaml:"health"`

	// CameraPolicies maps camera_id to the capabilities a frame from that
	// camera requires. Frames from unlisted cameras require no capability.
	CameraPolicies map[string][]string `yaml:"camera_policies"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ConsumeConfig struct {
	Stream       string `yaml:"stream"`
	Group        string `yaml:"group"`
	Consumer     string `yaml:"consumer"`
	BatchSize    int64  `yaml:"batch_size"`
	BlockMs      int    `yaml:"block_ms"`
	ClaimIdleMs  int    `yaml:"claim_idle_ms"`
	RetryParkCap int    `yaml:"retry_park_cap"`

	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

type RoutingConfig struct {
	MaxRoutingAttempts int `yaml:"max_routing_attempts"`
	MaxDispatchRetries int `yaml:"max_dispatch_retries"`
	DispatchWorkers    int `yaml:"dispatch_workers"`

	// QueueCapMultiplier bounds a processor queue at multiplier×capacity;
	// the dispatcher treats a fuller queue as queue_full.
	QueueCapMultiplier int `yaml:"queue_cap_multiplier"`

	// QueueMaxLenMultiplier sets the approximate MAXLEN trim on queue
	// appends at multiplier×capacity. Load replaces 0 (unset or explicit)
	// with the default of 4, so a configuration from Load always trims.
	QueueMaxLenMultiplier int `yaml:"queue_maxlen_multiplier"`
}

type HealthConfig struct {
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
	HealthTickMs        int `yaml:"health_tick_ms"`
	FailureThreshold    int `yaml:"failure_threshold"`
	CircuitCooldownSec  int `yaml:"circuit_cooldown_sec"`
	EvictionGraceSec    int `yaml:"eviction_grace_sec"`
}

// Load reads the YAML file at path (a missing file is not an error — defaults
// apply), layers environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("ORCHESTRATOR_PORT", c.Server.Port)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	c.Consume.Stream = getEnv("FRAME_STREAM", c.Consume.Stream)
	c.Consume.Group = getEnv("CONSUMER_GROUP", c.Consume.Group)
	c.Consume.Consumer = getEnv("CONSUMER_NAME", c.Consume.Consumer)
	if v := getEnvInt("BATCH_SIZE", 0); v > 0 {
		c.Consume.BatchSize = int64(v)
	}
	if v := getEnvInt("BLOCK_MS", 0); v > 0 {
		c.Consume.BlockMs = v
	}
	if v := getEnvInt("CLAIM_IDLE_MS", 0); v > 0 {
		c.Consume.ClaimIdleMs = v
	}
	if v := getEnvInt("RETRY_PARK_CAP", 0); v > 0 {
		c.Consume.RetryParkCap = v
	}
	if v := getEnvInt("SHUTDOWN_GRACE_SEC", 0); v > 0 {
		c.Consume.ShutdownGraceSec = v
	}

	if v := getEnvInt("MAX_ROUTING_ATTEMPTS", 0); v > 0 {
		c.Routing.MaxRoutingAttempts = v
	}
	if v := getEnvInt("MAX_DISPATCH_RETRIES", 0); v > 0 {
		c.Routing.MaxDispatchRetries = v
	}
	if v := getEnvInt("DISPATCH_WORKERS", 0); v > 0 {
		c.Routing.DispatchWorkers = v
	}
	if v := getEnvInt("QUEUE_CAP_MULTIPLIER", 0); v > 0 {
		c.Routing.QueueCapMultiplier = v
	}
	if v := getEnvInt("QUEUE_MAXLEN_MULTIPLIER", -1); v >= 0 {
		c.Routing.QueueMaxLenMultiplier = v
	}

	if v := getEnvInt("HEARTBEAT_TIMEOUT_SEC", 0); v > 0 {
		c.Health.HeartbeatTimeoutSec = v
	}
	if v := getEnvInt("HEALTH_TICK_MS", 0); v > 0 {
		c.Health.HealthTickMs = v
	}
	if v := getEnvInt("FAILURE_THRESHOLD", 0); v > 0 {
		c.Health.FailureThreshold = v
	}
	if v := getEnvInt("CIRCUIT_COOLDOWN_SEC", 0); v > 0 {
		c.Health.CircuitCooldownSec = v
	}
	if v := getEnvInt("EVICTION_GRACE_SEC", 0); v > 0 {
		c.Health.EvictionGraceSec = v
	}

	if policies := getEnv("CAMERA_POLICIES", ""); policies != "" {
		c.CameraPolicies = parseCameraPolicies(policies)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8090"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Consume.Stream == "" {
		c.Consume.Stream = "frames:metadata"
	}
	if c.Consume.Group == "" {
		c.Consume.Group = "orchestrator"
	}
	if c.Consume.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "orchestrator"
		}
		c.Consume.Consumer = host
	}
	if c.Consume.BatchSize == 0 {
		c.Consume.BatchSize = 64
	}
	if c.Consume.BlockMs == 0 {
		c.Consume.BlockMs = 500
	}
	if c.Consume.ClaimIdleMs == 0 {
		c.Consume.ClaimIdleMs = 30_000
	}
	if c.Consume.RetryParkCap == 0 {
		c.Consume.RetryParkCap = 10_000
	}
	if c.Consume.ShutdownGraceSec == 0 {
		c.Consume.ShutdownGraceSec = 30
	}
	if c.Routing.MaxRoutingAttempts == 0 {
		c.Routing.MaxRoutingAttempts = 4
	}
	if c.Routing.MaxDispatchRetries == 0 {
		c.Routing.MaxDispatchRetries = 3
	}
	if c.Routing.DispatchWorkers == 0 {
		c.Routing.DispatchWorkers = 8
	}
	if c.Routing.QueueCapMultiplier == 0 {
		c.Routing.QueueCapMultiplier = 2
	}
	if c.Routing.QueueMaxLenMultiplier == 0 {
		c.Routing.QueueMaxLenMultiplier = 4
	}
	if c.Health.HeartbeatTimeoutSec == 0 {
		c.Health.HeartbeatTimeoutSec = 15
	}
	if c.Health.HealthTickMs == 0 {
		c.Health.HealthTickMs = 1000
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 5
	}
	if c.Health.CircuitCooldownSec == 0 {
		c.Health.CircuitCooldownSec = 30
	}
	if c.Health.EvictionGraceSec == 0 {
		c.Health.EvictionGraceSec = 120
	}
}

// Duration accessors so callers never re-derive units.

func (c *Config) BlockWindow() time.Duration {
	return time.Duration(c.Consume.BlockMs) * time.Millisecond
}

func (c *Config) ClaimIdle() time.Duration {
	return time.Duration(c.Consume.ClaimIdleMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Consume.ShutdownGraceSec) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Health.HeartbeatTimeoutSec) * time.Second
}

func (c *Config) HealthTick() time.Duration {
	return time.Duration(c.Health.HealthTickMs) * time.Millisecond
}

func (c *Config) CircuitCooldown() time.Duration {
	return time.Duration(c.Health.CircuitCooldownSec) * time.Second
}

func (c *Config) EvictionGrace() time.Duration {
	return time.Duration(c.Health.EvictionGraceSec) * time.Second
}

// parseCameraPolicies parses "cam1=faces;cam2=faces+objects" into the policy
// map. YAML remains the richer source; the env form exists for container
// overrides.
func parseCameraPolicies(s string) map[string][]string {
	policies := make(map[string][]string)
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		var caps []string
		for _, c := range strings.Split(kv[1], "+") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}
		if len(caps) > 0 {
			policies[strings.TrimSpace(kv[0])] = caps
		}
	}
	return policies
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
