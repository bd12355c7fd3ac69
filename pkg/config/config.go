package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// threaded through every component constructor.
type Config struct {
	configDir string

	Blackboard     BlackboardConfig
	EventLog       EventLogConfig
	Lock           LockConfig
	Scheduler      SchedulerConfig
	Budget         BudgetConfig
	Approval       ApprovalConfig
	Agent          AgentConfig
	CausationIndex CausationIndexConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// BlackboardConfig configures the authoritative store and its cache.
type BlackboardConfig struct {
	DSN             string        `yaml:"dsn"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MaxWriteRetries int           `yaml:"max_write_retries"`
}

// EventLogConfig configures the Redis Streams-backed event log.
type EventLogConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisDB       int           `yaml:"redis_db"`
	StreamMaxLen  int64         `yaml:"stream_max_len"`
	ConsumerGroup string        `yaml:"consumer_group"`
	ReadBlock     time.Duration `yaml:"read_block"`
	ReadCount     int64         `yaml:"read_count"`
}

// LockConfig configures the Redis-backed distributed lock.
type LockConfig struct {
	RedisAddr    string        `yaml:"redis_addr"`
	RedisDB      int           `yaml:"redis_db"`
	DefaultLease time.Duration `yaml:"default_lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SchedulerConfig configures per-project task scheduling.
type SchedulerConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`
}

// BudgetConfig configures cost tracking and thresholds.
type BudgetConfig struct {
	BaseRatePerSecond  float64            `yaml:"base_rate_per_second"`
	QualityMultipliers map[string]float64 `yaml:"quality_multipliers"`
	WarningRatio       float64            `yaml:"warning_ratio"`
}

// ApprovalConfig configures human-in-the-loop checkpoints.
type ApprovalConfig struct {
	DefaultTimeoutMinutes int           `yaml:"default_timeout_minutes"`
	TimeoutBehavior       string        `yaml:"timeout_behavior"` // "reject" | "revision"
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	Checkpoints           []string      `yaml:"checkpoints"`
}

// AgentConfig configures the agent runtime's error recovery ladder.
type AgentConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// CausationIndexConfig configures the bus's bounded causation index.
type CausationIndexConfig struct {
	Capacity int `yaml:"capacity"`
}
