// Package config defines Maestro's configuration, loaded through viper
// from a YAML config file, environment variables (MAESTRO_ prefix), and
// command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the complete Maestro configuration
type Config struct {
	MaxWorkers             int               `mapstructure:"max_workers"`
	JudgeTaskRetries       int               `mapstructure:"judge_task_retries"`
	PlannerQualityRetries  int               `mapstructure:"planner_quality_retries"`
	OrchestrateMainLoop    int               `mapstructure:"orchestrate_main_loop"`
	SerialChainTaskRetries int               `mapstructure:"serial_chain_task_retries"`
	MaxIterations          int               `mapstructure:"max_iterations"`
	MaxReplansPerSession   int               `mapstructure:"max_replans_per_session"`
	WorkerTimeoutMinutes   int               `mapstructure:"worker_timeout_minutes"`
	JudgeTimeoutMinutes    int               `mapstructure:"judge_timeout_minutes"`
	Planning               PlanningConfig    `mapstructure:"planning"`
	Checks                 ChecksConfig      `mapstructure:"checks"`
	Integration            IntegrationConfig `mapstructure:"integration"`
	EscalationLimits       EscalationLimits  `mapstructure:"escalation_limits"`
	LoopDetection          LoopDetection     `mapstructure:"loop_detection"`
	Agents                 AgentsConfig      `mapstructure:"agents"`
	Logging                LoggingConfig     `mapstructure:"logging"`
}

// PlanningConfig controls plan generation and validation
type PlanningConfig struct {
	// QualityThreshold is the minimum plan quality score in [0,100]
	QualityThreshold int `mapstructure:"quality_threshold"`
	// StrictContextValidation rejects plans referencing unknown files
	StrictContextValidation bool `mapstructure:"strict_context_validation"`
	// MaxTaskDuration is the per-task duration ceiling in minutes
	MaxTaskDuration int `mapstructure:"max_task_duration"`
	// MaxTasks caps how many tasks a single plan may produce
	MaxTasks int `mapstructure:"max_tasks"`
}

// Check failure modes.
const (
	CheckFailureBlock = "block"
	CheckFailureWarn  = "warn"
)

// Integration methods.
const (
	IntegrationPR      = "pr"
	IntegrationCommand = "command"
	IntegrationAuto    = "auto"
)

// ChecksConfig controls post-run check command execution
type ChecksConfig struct {
	// Enabled turns check execution on or off
	Enabled bool `mapstructure:"enabled"`
	// Commands are the shell commands run in the worktree after an agent run
	Commands []string `mapstructure:"commands"`
	// FailureMode is "block" (task blocked on check failure) or "warn"
	FailureMode string `mapstructure:"failure_mode"`
}

// IntegrationConfig controls how completed work is finalized
type IntegrationConfig struct {
	// Method is "pr", "command", or "auto" (pr when a remote exists)
	Method string `mapstructure:"method"`
}

// EscalationLimits caps per-session attempts for each escalation target
type EscalationLimits struct {
	User            int `mapstructure:"user"`
	Planner         int `mapstructure:"planner"`
	LogicValidator  int `mapstructure:"logic_validator"`
	ExternalAdvisor int `mapstructure:"external_advisor"`
}

// LoopDetection controls the runaway-loop safety net
type LoopDetection struct {
	Enabled           bool                `mapstructure:"enabled"`
	MaxStepIterations MaxStepIterations   `mapstructure:"max_step_iterations"`
	Similarity        SimilarityDetection `mapstructure:"similarity_detection"`
	TransitionPattern TransitionDetection `mapstructure:"transition_pattern_detection"`
	OnLoop            OnLoopConfig        `mapstructure:"on_loop"`
}

// MaxStepIterations bounds iteration counts per scope
type MaxStepIterations struct {
	Default int `mapstructure:"default"`
	Worker  int `mapstructure:"worker"`
	Judge   int `mapstructure:"judge"`
	Replan  int `mapstructure:"replan"`
}

// SimilarityDetection configures response-similarity loop detection
type SimilarityDetection struct {
	// Threshold is the cosine similarity above which two responses are
	// considered repeats, in [0,1]
	Threshold float64 `mapstructure:"threshold"`
	// WindowSize is how many recent responses to compare against
	WindowSize int `mapstructure:"window_size"`
}

// TransitionDetection configures state-transition pattern detection
type TransitionDetection struct {
	// MinOccurrences is how many times a pattern must repeat to trigger
	MinOccurrences int `mapstructure:"min_occurrences"`
}

// OnLoopConfig selects the action taken when a loop is detected
type OnLoopConfig struct {
	// Default is one of "abort", "escalate", "force_continue", "retry_with_hint"
	Default string `mapstructure:"default"`
}

// AgentConfig selects the agent CLI and model for one role
type AgentConfig struct {
	// Type is "claude" or "codex"
	Type string `mapstructure:"type"`
	// Model is the model identifier passed to the agent CLI
	Model string `mapstructure:"model"`
}

// AgentsConfig selects agents per role
type AgentsConfig struct {
	Planner AgentConfig `mapstructure:"planner"`
	Worker  AgentConfig `mapstructure:"worker"`
	Judge   AgentConfig `mapstructure:"judge"`
}

// LoggingConfig controls the session debug log
type LoggingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxWorkers:             3,
		JudgeTaskRetries:       3,
		PlannerQualityRetries:  5,
		OrchestrateMainLoop:    3,
		SerialChainTaskRetries: 3,
		MaxIterations:          3,
		MaxReplansPerSession:   3,
		WorkerTimeoutMinutes:   60,
		JudgeTimeoutMinutes:    10,
		Planning: PlanningConfig{
			QualityThreshold:        70,
			StrictContextValidation: false,
			MaxTaskDuration:         120,
			MaxTasks:                20,
		},
		Checks: ChecksConfig{
			Enabled:     false,
			Commands:    []string{},
			FailureMode: "warn",
		},
		Integration: IntegrationConfig{
			Method: "auto",
		},
		EscalationLimits: EscalationLimits{
			User:            3,
			Planner:         2,
			LogicValidator:  2,
			ExternalAdvisor: 1,
		},
		LoopDetection: LoopDetection{
			Enabled: true,
			MaxStepIterations: MaxStepIterations{
				Default: 10,
				Worker:  5,
				Judge:   5,
				Replan:  3,
			},
			Similarity: SimilarityDetection{
				Threshold:  0.95,
				WindowSize: 5,
			},
			TransitionPattern: TransitionDetection{
				MinOccurrences: 3,
			},
			OnLoop: OnLoopConfig{
				Default: "escalate",
			},
		},
		Agents: AgentsConfig{
			Planner: AgentConfig{Type: "claude", Model: ""},
			Worker:  AgentConfig{Type: "claude", Model: ""},
			Judge:   AgentConfig{Type: "claude", Model: ""},
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// SetDefaults registers the built-in defaults with viper so they apply
// even without a config file.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("max_workers", defaults.MaxWorkers)
	viper.SetDefault("judge_task_retries", defaults.JudgeTaskRetries)
	viper.SetDefault("planner_quality_retries", defaults.PlannerQualityRetries)
	viper.SetDefault("orchestrate_main_loop", defaults.OrchestrateMainLoop)
	viper.SetDefault("serial_chain_task_retries", defaults.SerialChainTaskRetries)
	viper.SetDefault("max_iterations", defaults.MaxIterations)
	viper.SetDefault("max_replans_per_session", defaults.MaxReplansPerSession)
	viper.SetDefault("worker_timeout_minutes", defaults.WorkerTimeoutMinutes)
	viper.SetDefault("judge_timeout_minutes", defaults.JudgeTimeoutMinutes)

	viper.SetDefault("planning.quality_threshold", defaults.Planning.QualityThreshold)
	viper.SetDefault("planning.strict_context_validation", defaults.Planning.StrictContextValidation)
	viper.SetDefault("planning.max_task_duration", defaults.Planning.MaxTaskDuration)
	viper.SetDefault("planning.max_tasks", defaults.Planning.MaxTasks)

	viper.SetDefault("checks.enabled", defaults.Checks.Enabled)
	viper.SetDefault("checks.commands", defaults.Checks.Commands)
	viper.SetDefault("checks.failure_mode", defaults.Checks.FailureMode)

	viper.SetDefault("integration.method", defaults.Integration.Method)

	viper.SetDefault("escalation_limits.user", defaults.EscalationLimits.User)
	viper.SetDefault("escalation_limits.planner", defaults.EscalationLimits.Planner)
	viper.SetDefault("escalation_limits.logic_validator", defaults.EscalationLimits.LogicValidator)
	viper.SetDefault("escalation_limits.external_advisor", defaults.EscalationLimits.ExternalAdvisor)

	viper.SetDefault("loop_detection.enabled", defaults.LoopDetection.Enabled)
	viper.SetDefault("loop_detection.max_step_iterations.default", defaults.LoopDetection.MaxStepIterations.Default)
	viper.SetDefault("loop_detection.max_step_iterations.worker", defaults.LoopDetection.MaxStepIterations.Worker)
	viper.SetDefault("loop_detection.max_step_iterations.judge", defaults.LoopDetection.MaxStepIterations.Judge)
	viper.SetDefault("loop_detection.max_step_iterations.replan", defaults.LoopDetection.MaxStepIterations.Replan)
	viper.SetDefault("loop_detection.similarity_detection.threshold", defaults.LoopDetection.Similarity.Threshold)
	viper.SetDefault("loop_detection.similarity_detection.window_size", defaults.LoopDetection.Similarity.WindowSize)
	viper.SetDefault("loop_detection.transition_pattern_detection.min_occurrences", defaults.LoopDetection.TransitionPattern.MinOccurrences)
	viper.SetDefault("loop_detection.on_loop.default", defaults.LoopDetection.OnLoop.Default)

	viper.SetDefault("agents.planner.type", defaults.Agents.Planner.Type)
	viper.SetDefault("agents.planner.model", defaults.Agents.Planner.Model)
	viper.SetDefault("agents.worker.type", defaults.Agents.Worker.Type)
	viper.SetDefault("agents.worker.model", defaults.Agents.Worker.Model)
	viper.SetDefault("agents.judge.type", defaults.Agents.Judge.Type)
	viper.SetDefault("agents.judge.model", defaults.Agents.Judge.Model)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load unmarshals and validates the active viper configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the active configuration, falling back to defaults if
// unmarshaling fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks enumerated option values.
func (c *Config) Validate() error {
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.Planning.QualityThreshold < 0 || c.Planning.QualityThreshold > 100 {
		return fmt.Errorf("planning.quality_threshold must be in [0,100], got %d", c.Planning.QualityThreshold)
	}
	switch c.Checks.FailureMode {
	case "block", "warn":
	default:
		return fmt.Errorf("checks.failure_mode must be \"block\" or \"warn\", got %q", c.Checks.FailureMode)
	}
	switch c.Integration.Method {
	case "pr", "command", "auto":
	default:
		return fmt.Errorf("integration.method must be \"pr\", \"command\" or \"auto\", got %q", c.Integration.Method)
	}
	switch c.LoopDetection.OnLoop.Default {
	case "abort", "escalate", "force_continue", "retry_with_hint":
	default:
		return fmt.Errorf("loop_detection.on_loop.default is not a recognized action: %q", c.LoopDetection.OnLoop.Default)
	}
	for role, agent := range map[string]AgentConfig{
		"planner": c.Agents.Planner,
		"worker":  c.Agents.Worker,
		"judge":   c.Agents.Judge,
	} {
		switch agent.Type {
		case "claude", "codex":
		default:
			return fmt.Errorf("agents.%s.type must be \"claude\" or \"codex\", got %q", role, agent.Type)
		}
	}
	return nil
}

// ConfigDir returns the directory where the config file is looked up.
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "maestro")
	}
	// Fall back to ~/.config/maestro
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".config", "maestro")
}
