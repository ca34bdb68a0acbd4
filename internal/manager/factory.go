package manager

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/remoteenv"
	"github.com/cartridge/learner/internal/targetenv"
)

// Environment kinds understood by DefaultFactory.
const (
	KindTarget = "target"
	KindRemote = "remote"
)

// EnvironmentSpec describes the environment an agent trains against.
type EnvironmentSpec struct {
	Kind       string               `json:"kind"`
	RemoteAddr string               `json:"remote_addr,omitempty"`
	Target     *config.TargetConfig `json:"target,omitempty"`
}

// SpecFromConfig returns the spec for the configured environment.
func SpecFromConfig(cfg config.EnvironmentConfig) EnvironmentSpec {
	target := cfg.Target
	return EnvironmentSpec{Kind: cfg.Kind, RemoteAddr: cfg.RemoteAddr, Target: &target}
}

// EnvironmentFactory builds an environment for a new agent. Environments
// that implement io.Closer are closed when their agent is removed.
type EnvironmentFactory func(ctx context.Context, spec EnvironmentSpec) (env.Environment, error)

// DefaultFactory builds target environments locally and dials remote ones.
// Target parameters missing from spec are taken from defaults.
func DefaultFactory(defaults config.TargetConfig, logger zerolog.Logger) EnvironmentFactory {
	return func(ctx context.Context, spec EnvironmentSpec) (env.Environment, error) {
		switch spec.Kind {
		case "", KindTarget:
			cfg := defaults
			if spec.Target != nil {
				cfg = spec.Target.WithDefaults(defaults)
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return targetenv.New(cfg, logger), nil
		case KindRemote:
			if spec.RemoteAddr == "" {
				return nil, fmt.Errorf("%w: remote environment needs an address", config.ErrInvalidConfiguration)
			}
			client, err := remoteenv.Dial(ctx, spec.RemoteAddr, logger)
			if err != nil {
				return nil, err
			}
			return client, nil
		default:
			return nil, fmt.Errorf("%w: unknown environment kind %q", config.ErrInvalidConfiguration, spec.Kind)
		}
	}
}
