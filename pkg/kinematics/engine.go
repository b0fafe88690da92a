// Package kinematics maps between the head's joint space and the world
// head pose.
//
// Three engines implement Engine: Analytical (closed-form inverse,
// Newton forward), Solver (constrained Gauss-Newton on the full loop
// closure) and Learned (a regression model). Engines share the platform
// geometry defined in stewart.go.
package kinematics

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Engine names accepted by New.
const (
	EngineAnalytical = "analytical"
	EngineSolver     = "solver"
	EngineLearned    = "learned"
)

// Config selects engine behavior.
type Config struct {
	// FKIterations is the number of forward iterations run per call.
	FKIterations int `yaml:"fk_iterations" json:"fk_iterations"`

	// IKIterations is the number of solver iterations per inverse call.
	IKIterations int `yaml:"ik_iterations" json:"ik_iterations"`

	// AutomaticBodyYaw lets the engine turn the body to follow the head.
	AutomaticBodyYaw bool `yaml:"automatic_body_yaw" json:"automatic_body_yaw"`

	// CheckCollision rejects self-colliding solver solutions.
	CheckCollision bool `yaml:"check_collision" json:"check_collision"`

	// ModelPath is the learned model file. Empty means a model fitted
	// at start-up from the analytical engine.
	ModelPath string `yaml:"model_path" json:"model_path"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		FKIterations:     3,
		IKIterations:     15,
		AutomaticBodyYaw: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FKIterations < 1 {
		return fmt.Errorf("%w: fk_iterations must be at least 1", ErrIterations)
	}
	if c.IKIterations < 1 {
		return fmt.Errorf("%w: ik_iterations must be at least 1", ErrIterations)
	}
	return nil
}

// CanonicalName resolves an engine name or alias.
func CanonicalName(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "analytical", "analyticalkinematics", "default":
		return EngineAnalytical, nil
	case "solver", "placo":
		return EngineSolver, nil
	case "learned", "nn":
		return EngineLearned, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEngine, name)
}

// New creates the engine registered under name.
func New(name string, cfg Config, logger *slog.Logger) (Engine, error) {
	canonical, err := CanonicalName(name)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch canonical {
	case EngineSolver:
		return NewSolver(cfg, logger), nil
	case EngineLearned:
		if cfg.ModelPath != "" {
			return LoadLearned(cfg.ModelPath)
		}
		model, err := FitLearned(TrainingSamples(NewAnalytical(Config{FKIterations: 20}, logger), 400, 1), FeaturesPoly2)
		if err != nil {
			return nil, fmt.Errorf("fit learned model: %w", err)
		}
		return NewLearned(model)
	default:
		return NewAnalytical(cfg, logger), nil
	}
}

// IsKinematicError reports whether err is a solve failure the control loop
// should tolerate by holding its previous targets.
func IsKinematicError(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrNoSolution) || errors.Is(err, ErrNotUpright)
}
