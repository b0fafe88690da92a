package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
)

// MockupConfig configures the mockup backend.
type MockupConfig struct {
	Frequency float64 `yaml:"frequency" json:"frequency"`
}

// DefaultMockupConfig returns a 50 Hz mockup.
func DefaultMockupConfig() MockupConfig {
	return MockupConfig{Frequency: 50}
}

// Validate checks the configuration.
func (c MockupConfig) Validate() error {
	if c.Frequency <= 0 {
		return fmt.Errorf("mockup frequency must be positive, got %v", c.Frequency)
	}
	return nil
}

// Mockup has no physics: joint targets become the present joints on the
// next tick.
type Mockup struct {
	*core
	cfg MockupConfig

	mu       sync.Mutex
	head     kinematics.HeadJoints
	antennas kinematics.Antennas
}

// NewMockup creates a mockup backend starting at rest.
func NewMockup(engine kinematics.Engine, cfg MockupConfig, logger *slog.Logger) (*Mockup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Mockup{
		core: newCore(KindMockup, engine, Enabled, logger),
		cfg:  cfg,
	}
	m.head = initialSimJoints(engine, m.logger)
	m.antennas = kinematics.SleepAntennas
	if err := m.updateKinematics(m.head, m.antennas); err != nil {
		m.logger.Warn("initial forward kinematics failed", "error", err)
	}
	return m, nil
}

// Run implements Backend.
func (m *Mockup) Run(ctx context.Context) error {
	m.mu.Lock()
	head, antennas := m.head, m.antennas
	m.mu.Unlock()
	if err := m.updateKinematics(head, antennas); err != nil {
		return err
	}

	m.logger.Info("control loop started", "frequency", m.cfg.Frequency)
	defer m.logger.Info("control loop stopped")
	period := time.Duration(float64(time.Second) / m.cfg.Frequency)
	return runLoop(ctx, period, minLoopSleep, m.logger, m.tick)
}

func (m *Mockup) tick(time.Time) error {
	t := m.snapshotTargets()

	m.mu.Lock()
	if t.hasHeadJoints {
		m.head = t.headJoints
	}
	if t.hasAntennas {
		m.antennas = t.antennas
	}
	head, antennas := m.head, m.antennas
	m.mu.Unlock()

	if err := m.updateKinematics(head, antennas); err != nil {
		m.logger.Debug("forward kinematics failed", "error", err)
	}
	// A failed solve keeps the present joints.
	_ = m.refreshIK(false)

	m.publish(head, antennas)
	m.markReady()
	return nil
}

// Status implements Backend.
func (m *Mockup) Status() Status { return m.baseStatus() }

// SetMotorTorqueIDs implements Backend. The mockup has no motors.
func (m *Mockup) SetMotorTorqueIDs(names []string, on bool) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: empty motor list", ErrUnknownMotor)
	}
	return nil
}

// Close implements Backend.
func (m *Mockup) Close() error { return nil }
