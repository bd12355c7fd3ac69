package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates orchestrator.yaml from configDir,
// overlaying it onto the built-in defaults. This is the primary entry
// point for configuration loading.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg := Default()
	cfg.configDir = configDir

	path := filepath.Join(configDir, "orchestrator.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("no orchestrator.yaml found, using built-in defaults", "path", path)
		} else {
			return nil, NewLoadError(path, err)
		}
	} else {
		data = ExpandEnv(data)

		var overlay fileConfig
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		if err := mergo.Merge(&cfg.Blackboard, overlay.Blackboard, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge blackboard config: %w", err)
		}
		if err := mergo.Merge(&cfg.EventLog, overlay.EventLog, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge event log config: %w", err)
		}
		if err := mergo.Merge(&cfg.Lock, overlay.Lock, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge lock config: %w", err)
		}
		if err := mergo.Merge(&cfg.Scheduler, overlay.Scheduler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge scheduler config: %w", err)
		}
		if err := mergo.Merge(&cfg.Budget, overlay.Budget, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge budget config: %w", err)
		}
		if err := mergo.Merge(&cfg.Approval, overlay.Approval, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge approval config: %w", err)
		}
		if err := mergo.Merge(&cfg.Agent, overlay.Agent, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge agent config: %w", err)
		}
		if err := mergo.Merge(&cfg.CausationIndex, overlay.CausationIndex, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge causation index config: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("configuration initialized")
	return cfg, nil
}

// fileConfig mirrors Config's exported fields for unmarshaling
// orchestrator.yaml; Config.configDir is unexported and never comes
// from the file, so it is deliberately excluded here.
type fileConfig struct {
	Blackboard     BlackboardConfig     `yaml:"blackboard"`
	EventLog       EventLogConfig       `yaml:"event_log"`
	Lock           LockConfig           `yaml:"lock"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Budget         BudgetConfig         `yaml:"budget"`
	Approval       ApprovalConfig       `yaml:"approval"`
	Agent          AgentConfig          `yaml:"agent"`
	CausationIndex CausationIndexConfig `yaml:"causation_index"`
}

func validate(cfg *Config) error {
	if cfg.Blackboard.DSN == "" {
		return NewValidationError("blackboard.dsn", fmt.Errorf("must not be empty"))
	}
	if cfg.EventLog.RedisAddr == "" {
		return NewValidationError("event_log.redis_addr", fmt.Errorf("must not be empty"))
	}
	if cfg.Budget.BaseRatePerSecond <= 0 {
		return NewValidationError("budget.base_rate_per_second", fmt.Errorf("must be positive"))
	}
	if cfg.Approval.TimeoutBehavior != "reject" && cfg.Approval.TimeoutBehavior != "revision" {
		return NewValidationError("approval.timeout_behavior", fmt.Errorf("must be 'reject' or 'revision'"))
	}
	if cfg.CausationIndex.Capacity <= 0 {
		return NewValidationError("causation_index.capacity", fmt.Errorf("must be positive"))
	}
	return nil
}
