package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfiguration is returned when a configuration value is out of range.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Config holds all learner configuration
type Config struct {
	Agent       AgentConfig       `mapstructure:"agent"`
	Training    Training          `mapstructure:"training"`
	Environment EnvironmentConfig `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Events      EventsConfig      `mapstructure:"events"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// AgentConfig identifies the agent created by the train command.
type AgentConfig struct {
	Name string `mapstructure:"name"`
}

// NormalizationParams describes per-element (x-mean)/std scaling.
type NormalizationParams struct {
	Enabled bool      `mapstructure:"enabled" json:"enabled"`
	Mean    []float64 `mapstructure:"mean" json:"mean,omitempty"`
	StdDev  []float64 `mapstructure:"std_dev" json:"std_dev,omitempty"`
}

// Network describes the MLP shared by the actor and both critics.
type Network struct {
	HiddenDim  int    `mapstructure:"hidden_dim" json:"hidden_dim"`
	NumLayers  int    `mapstructure:"num_layers" json:"num_layers"`
	Activation string `mapstructure:"activation" json:"activation"`
}

// Training holds everything an agent needs to build and train its networks.
type Training struct {
	ObservationDim int `mapstructure:"observation_dim" json:"observation_dim"`
	ActionDim      int `mapstructure:"action_dim" json:"action_dim"`

	MaxTrainingSteps     int     `mapstructure:"max_training_steps" json:"max_training_steps"`
	ActorLearningRate    float64 `mapstructure:"actor_learning_rate" json:"actor_learning_rate"`
	CriticLearningRate   float64 `mapstructure:"critic_learning_rate" json:"critic_learning_rate"`
	Gamma                float64 `mapstructure:"gamma" json:"gamma"`
	BatchSize            int     `mapstructure:"batch_size" json:"batch_size"`
	ReplayBufferCapacity int     `mapstructure:"replay_buffer_capacity" json:"replay_buffer_capacity"`
	TrainingInterval     int     `mapstructure:"training_interval" json:"training_interval"`
	WarmupSteps          int     `mapstructure:"warmup_steps" json:"warmup_steps"`
	// MaxEpisodeSteps caps episode length; 0 defers to the environment.
	MaxEpisodeSteps int `mapstructure:"max_episode_steps" json:"max_episode_steps"`

	// TD3
	Tau               float64 `mapstructure:"tau" json:"tau"`
	PolicyDelay       int     `mapstructure:"policy_delay" json:"policy_delay"`
	TargetPolicyNoise float64 `mapstructure:"target_policy_noise" json:"target_policy_noise"`
	TargetNoiseClip   float64 `mapstructure:"target_noise_clip" json:"target_noise_clip"`
	ExplorationNoise  float64 `mapstructure:"exploration_noise" json:"exploration_noise"`

	Network Network `mapstructure:"network" json:"network"`

	ObservationNormalization NormalizationParams `mapstructure:"observation_normalization" json:"observation_normalization"`
	ActionNormalization      NormalizationParams `mapstructure:"action_normalization" json:"action_normalization"`

	Seed int64 `mapstructure:"seed" json:"seed"`
	// SampleWithoutReplacement draws distinct indices within one minibatch.
	SampleWithoutReplacement bool          `mapstructure:"sample_without_replacement" json:"sample_without_replacement"`
	StepThrottle             time.Duration `mapstructure:"step_throttle" json:"step_throttle"`
	LogInterval              int           `mapstructure:"log_interval" json:"log_interval"`
}

// EnvironmentConfig selects the environment the train command connects to.
type EnvironmentConfig struct {
	Kind       string       `mapstructure:"kind"`
	RemoteAddr string       `mapstructure:"remote_addr"`
	Target     TargetConfig `mapstructure:"target"`
}

// TargetConfig parameterizes the built-in target-reaching environment.
type TargetConfig struct {
	ArenaSize        float64 `mapstructure:"arena_size" json:"arena_size"`
	TargetRadius     float64 `mapstructure:"target_radius" json:"target_radius"`
	MaxSpeed         float64 `mapstructure:"max_speed" json:"max_speed"`
	RewardScale      float64 `mapstructure:"reward_scale" json:"reward_scale"`
	MaxEpisodeLength int     `mapstructure:"max_episode_length" json:"max_episode_length"`
	DeltaTime        float64 `mapstructure:"delta_time" json:"delta_time"`
	Seed             int64   `mapstructure:"seed" json:"seed"`
}

// ServerConfig holds HTTP and gRPC listener configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	EnvServerAddr   string        `mapstructure:"env_server_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// PolicyDir confines policy save/load paths given over HTTP; empty allows any path.
	PolicyDir string `mapstructure:"policy_dir"`
}

// StorageConfig selects the run registry backend.
type StorageConfig struct {
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
}

// EventsConfig holds NATS configuration; an empty URL disables publishing.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// MonitorConfig holds progress polling configuration
type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// StallAfter flags a running agent whose step has not moved for this long.
	StallAfter time.Duration `mapstructure:"stall_after"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Agent:    AgentConfig{Name: "agent-1"},
		Training: DefaultTraining(),
		Environment: EnvironmentConfig{
			Kind:       "target",
			RemoteAddr: "localhost:50061",
			Target:     DefaultTarget(),
		},
		Server: ServerConfig{
			Addr:            ":8080",
			EnvServerAddr:   ":50061",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage:  StorageConfig{Kind: "memory"},
		Events:   EventsConfig{Subject: "learner"},
		Monitor:  MonitorConfig{PollInterval: 100 * time.Millisecond, StallAfter: 30 * time.Second},
		LogLevel: "info",
	}
}

// DefaultTraining returns the training defaults.
func DefaultTraining() Training {
	return Training{
		ObservationDim:       4,
		ActionDim:            2,
		MaxTrainingSteps:     100000,
		ActorLearningRate:    3e-4,
		CriticLearningRate:   3e-4,
		Gamma:                0.99,
		BatchSize:            256,
		ReplayBufferCapacity: 1000000,
		TrainingInterval:     1,
		WarmupSteps:          10000,
		MaxEpisodeSteps:      1000,
		Tau:                  0.005,
		PolicyDelay:          2,
		TargetPolicyNoise:    0.2,
		TargetNoiseClip:      0.5,
		ExplorationNoise:     0.1,
		Network: Network{
			HiddenDim:  64,
			NumLayers:  2,
			Activation: "relu",
		},
		Seed:         1,
		StepThrottle: time.Millisecond,
		LogInterval:  1000,
	}
}

// DefaultTarget returns the target environment defaults.
func DefaultTarget() TargetConfig {
	return TargetConfig{
		ArenaSize:        1000,
		TargetRadius:     50,
		MaxSpeed:         500,
		RewardScale:      1,
		MaxEpisodeLength: 1000,
		DeltaTime:        0.016,
		Seed:             7,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return invalid("agent.name is required")
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}
	switch c.Environment.Kind {
	case "target":
		if err := c.Environment.Target.Validate(); err != nil {
			return err
		}
	case "remote":
		if c.Environment.RemoteAddr == "" {
			return invalid("environment.remote_addr is required for remote environments")
		}
	default:
		return invalid("unknown environment.kind %q", c.Environment.Kind)
	}
	switch c.Storage.Kind {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return invalid("storage.dsn is required for %s storage", c.Storage.Kind)
		}
	default:
		return invalid("unknown storage.kind %q", c.Storage.Kind)
	}
	if c.Monitor.PollInterval <= 0 {
		return invalid("monitor.poll_interval must be positive")
	}
	return nil
}

// WithDefaults returns t with every zero field taken from defaults.
func (t TargetConfig) WithDefaults(defaults TargetConfig) TargetConfig {
	if t.ArenaSize == 0 {
		t.ArenaSize = defaults.ArenaSize
	}
	if t.TargetRadius == 0 {
		t.TargetRadius = defaults.TargetRadius
	}
	if t.MaxSpeed == 0 {
		t.MaxSpeed = defaults.MaxSpeed
	}
	if t.RewardScale == 0 {
		t.RewardScale = defaults.RewardScale
	}
	if t.MaxEpisodeLength == 0 {
		t.MaxEpisodeLength = defaults.MaxEpisodeLength
	}
	if t.DeltaTime == 0 {
		t.DeltaTime = defaults.DeltaTime
	}
	if t.Seed == 0 {
		t.Seed = defaults.Seed
	}
	return t
}

// Validate checks the target environment parameters. The start position is
// drawn at least two target radii from the target, so that distance must fit
// inside the half-width of the arena.
func (t TargetConfig) Validate() error {
	if t.ArenaSize <= 0 || t.TargetRadius <= 0 || t.MaxSpeed <= 0 {
		return invalid("target arena_size, target_radius and max_speed must be positive")
	}
	if t.DeltaTime <= 0 {
		return invalid("target delta_time must be positive")
	}
	if t.RewardScale <= 0 {
		return invalid("target reward_scale must be positive")
	}
	if t.MaxEpisodeLength < 0 {
		return invalid("target max_episode_length must not be negative")
	}
	if 2*t.TargetRadius >= t.ArenaSize {
		return invalid("target_radius %g does not fit an arena of size %g", t.TargetRadius, t.ArenaSize)
	}
	return nil
}

// Validate checks the training configuration.
func (t Training) Validate() error {
	if t.ObservationDim <= 0 {
		return invalid("observation_dim must be positive")
	}
	if t.ActionDim <= 0 {
		return invalid("action_dim must be positive")
	}
	return t.ValidateParameters()
}

// ValidateParameters checks everything except that the dimensions are set,
// for configs whose zero dimensions the environment fills in.
func (t Training) ValidateParameters() error {
	if t.ObservationDim < 0 || t.ActionDim < 0 {
		return invalid("observation_dim and action_dim must not be negative")
	}
	if t.MaxTrainingSteps <= 0 {
		return invalid("max_training_steps must be positive")
	}
	if t.ActorLearningRate <= 0 || t.CriticLearningRate <= 0 {
		return invalid("learning rates must be positive")
	}
	if t.Gamma <= 0 || t.Gamma > 1 {
		return invalid("gamma must be in (0, 1]")
	}
	if t.BatchSize <= 0 {
		return invalid("batch_size must be positive")
	}
	if t.ReplayBufferCapacity <= 0 {
		return invalid("replay_buffer_capacity must be positive")
	}
	if t.BatchSize > t.ReplayBufferCapacity {
		return invalid("batch_size %d exceeds replay_buffer_capacity %d", t.BatchSize, t.ReplayBufferCapacity)
	}
	if t.TrainingInterval <= 0 {
		return invalid("training_interval must be positive")
	}
	if t.WarmupSteps < 0 || t.MaxEpisodeSteps < 0 {
		return invalid("warmup_steps and max_episode_steps must not be negative")
	}
	if t.Tau < 0 || t.Tau > 1 {
		return invalid("tau must be in [0, 1]")
	}
	if t.PolicyDelay <= 0 {
		return invalid("policy_delay must be positive")
	}
	if t.TargetPolicyNoise < 0 || t.TargetNoiseClip < 0 || t.ExplorationNoise < 0 {
		return invalid("noise parameters must not be negative")
	}
	if t.Network.HiddenDim <= 0 || t.Network.NumLayers <= 0 {
		return invalid("network.hidden_dim and network.num_layers must be positive")
	}
	switch strings.ToLower(t.Network.Activation) {
	case "relu", "tanh", "identity", "sigmoid", "leaky_relu":
	default:
		return invalid("unknown network.activation %q", t.Network.Activation)
	}
	if t.StepThrottle < 0 {
		return invalid("step_throttle must not be negative")
	}
	return nil
}

// Load layers defaults, an optional config file and LEARNER_* environment
// variables (plus any flags already bound to v) into a Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix("LEARNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, cfg *Config) {
	t := cfg.Training
	defaults := map[string]interface{}{
		"agent.name":                                 cfg.Agent.Name,
		"training.observation_dim":                   t.ObservationDim,
		"training.action_dim":                        t.ActionDim,
		"training.max_training_steps":                t.MaxTrainingSteps,
		"training.actor_learning_rate":               t.ActorLearningRate,
		"training.critic_learning_rate":              t.CriticLearningRate,
		"training.gamma":                             t.Gamma,
		"training.batch_size":                        t.BatchSize,
		"training.replay_buffer_capacity":            t.ReplayBufferCapacity,
		"training.training_interval":                 t.TrainingInterval,
		"training.warmup_steps":                      t.WarmupSteps,
		"training.max_episode_steps":                 t.MaxEpisodeSteps,
		"training.tau":                               t.Tau,
		"training.policy_delay":                      t.PolicyDelay,
		"training.target_policy_noise":               t.TargetPolicyNoise,
		"training.target_noise_clip":                 t.TargetNoiseClip,
		"training.exploration_noise":                 t.ExplorationNoise,
		"training.network.hidden_dim":                t.Network.HiddenDim,
		"training.network.num_layers":                t.Network.NumLayers,
		"training.network.activation":                t.Network.Activation,
		"training.observation_normalization.enabled": t.ObservationNormalization.Enabled,
		"training.action_normalization.enabled":      t.ActionNormalization.Enabled,
		"training.seed":                              t.Seed,
		"training.sample_without_replacement":        t.SampleWithoutReplacement,
		"training.step_throttle":                     t.StepThrottle,
		"training.log_interval":                      t.LogInterval,
		"environment.kind":                           cfg.Environment.Kind,
		"environment.remote_addr":                    cfg.Environment.RemoteAddr,
		"environment.target.arena_size":              cfg.Environment.Target.ArenaSize,
		"environment.target.target_radius":           cfg.Environment.Target.TargetRadius,
		"environment.target.max_speed":               cfg.Environment.Target.MaxSpeed,
		"environment.target.reward_scale":            cfg.Environment.Target.RewardScale,
		"environment.target.max_episode_length":      cfg.Environment.Target.MaxEpisodeLength,
		"environment.target.delta_time":              cfg.Environment.Target.DeltaTime,
		"environment.target.seed":                    cfg.Environment.Target.Seed,
		"server.addr":                                cfg.Server.Addr,
		"server.env_server_addr":                     cfg.Server.EnvServerAddr,
		"server.read_timeout":                        cfg.Server.ReadTimeout,
		"server.write_timeout":                       cfg.Server.WriteTimeout,
		"server.shutdown_timeout":                    cfg.Server.ShutdownTimeout,
		"server.policy_dir":                          cfg.Server.PolicyDir,
		"storage.kind":                               cfg.Storage.Kind,
		"storage.dsn":                                cfg.Storage.DSN,
		"events.nats_url":                            cfg.Events.NATSURL,
		"events.subject":                             cfg.Events.Subject,
		"monitor.poll_interval":                      cfg.Monitor.PollInterval,
		"monitor.stall_after":                        cfg.Monitor.StallAfter,
		"log_level":                                  cfg.LogLevel,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
