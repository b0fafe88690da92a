// Package daemon runs a backend as a service: it starts and stops the
// control loop, wakes the head up and puts it to sleep, publishes its
// status once per second and serves commands and tasks over the bus.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/bus"
	"github.com/teslashibe/go-reachy-daemon/pkg/motion"
	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
)

// Config configures the daemon.
type Config struct {
	RobotName       string `yaml:"robot_name" json:"robot_name"`
	Prefix          string `yaml:"prefix" json:"prefix"`
	WirelessVersion bool   `yaml:"wireless_version" json:"wireless_version"`
	// Simulation and MockupSim are reported in the status.
	Simulation bool   `yaml:"-" json:"-"`
	MockupSim  bool   `yaml:"-" json:"-"`
	Version    string `yaml:"-" json:"-"`

	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	JoinTimeout  time.Duration `yaml:"join_timeout" json:"join_timeout"`
	StatusPeriod time.Duration `yaml:"status_period" json:"status_period"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		RobotName:    "reachy_mini",
		Prefix:       protocol.DefaultPrefix,
		ReadyTimeout: 2 * time.Second,
		JoinTimeout:  5 * time.Second,
		StatusPeriod: time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RobotName == "" {
		return errors.New("robot name is required")
	}
	if c.ReadyTimeout <= 0 || c.JoinTimeout <= 0 || c.StatusPeriod <= 0 {
		return errors.New("daemon timeouts and status period must be positive")
	}
	return nil
}

// BackendFactory builds a fresh backend for each start.
type BackendFactory func() (backend.Backend, error)

// Daemon owns the lifecycle of one backend at a time.
type Daemon struct {
	cfg        Config
	bus        bus.Bus
	topics     *protocol.Topics
	newBackend BackendFactory
	moves      *motion.Registry
	logger     *slog.Logger

	// opMu serializes Start, Stop and Restart.
	opMu sync.Mutex

	mu         sync.Mutex
	state      protocol.DaemonState
	errMsg     *string
	backend    backend.Backend
	server     *Server
	active     bool
	runCancel  context.CancelFunc
	runDone    chan struct{}
	lastWakeUp bool

	statusCancel context.CancelFunc
	statusDone   chan struct{}
}

// New creates a daemon. moves may be nil. A nil logger uses
// slog.Default().
func New(cfg Config, b bus.Bus, factory BackendFactory, moves *motion.Registry, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil || factory == nil {
		return nil, errors.New("daemon needs a bus and a backend factory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:        cfg,
		bus:        b,
		topics:     protocol.NewTopics(cfg.Prefix),
		newBackend: factory,
		moves:      moves,
		logger:     logger.With("component", "daemon"),
		state:      protocol.StateNotInitialized,
	}, nil
}

// Start builds a backend, serves it on the bus and waits for its first
// tick. With wakeUp set it then enables the motors and plays the wake-up
// move.
func (d *Daemon) Start(ctx context.Context, wakeUp bool) (protocol.DaemonState, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.start(ctx, wakeUp)
}

// Stop stops the backend. With gotoSleep set, and unless the daemon is
// already stopping or failed, it first puts the head to sleep and turns
// the motors off.
func (d *Daemon) Stop(ctx context.Context, gotoSleep bool) (protocol.DaemonState, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.stop(ctx, gotoSleep)
}

// Restart stops without sleeping and starts again with the previous
// wake-up choice.
func (d *Daemon) Restart(ctx context.Context) (protocol.DaemonState, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if _, err := d.stop(ctx, false); err != nil {
		d.logger.Warn("stop before restart failed", "error", err)
	}
	d.mu.Lock()
	wakeUp := d.lastWakeUp
	d.mu.Unlock()
	return d.start(ctx, wakeUp)
}

// State returns the lifecycle state.
func (d *Daemon) State() protocol.DaemonState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Backend returns the current backend, or nil before the first start.
func (d *Daemon) Backend() backend.Backend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend
}

// Server returns the current bus server, or nil before the first start.
func (d *Daemon) Server() *Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.server
}

// Status returns a fresh status. A backend error puts the daemon in the
// error state.
func (d *Daemon) Status() protocol.DaemonStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	sim, mockup := d.cfg.Simulation, d.cfg.MockupSim
	st := protocol.DaemonStatus{
		RobotName:         d.cfg.RobotName,
		WirelessVersion:   d.cfg.WirelessVersion,
		SimulationEnabled: &sim,
		MockupSimEnabled:  &mockup,
		Version:           d.cfg.Version,
	}
	if d.backend != nil {
		bs := d.backend.Status()
		st.BackendStatus = &bs
		if bs.Error != nil {
			d.state = protocol.StateError
			d.errMsg = bs.Error
		}
	}
	st.State = d.state
	st.Error = d.errMsg
	return st
}

func (d *Daemon) setState(s protocol.DaemonState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// fail records err and moves to the error state.
func (d *Daemon) fail(err error) {
	msg := err.Error()
	d.mu.Lock()
	d.state = protocol.StateError
	d.errMsg = &msg
	d.mu.Unlock()
}

func (d *Daemon) start(ctx context.Context, wakeUp bool) (protocol.DaemonState, error) {
	d.mu.Lock()
	if d.active {
		st := d.state
		d.mu.Unlock()
		d.logger.Warn("start requested while running", "state", st)
		return st, ErrAlreadyRunning
	}
	d.state = protocol.StateStarting
	d.errMsg = nil
	d.lastWakeUp = wakeUp
	d.mu.Unlock()
	d.logger.Info("starting daemon", "wake_up", wakeUp)

	b, err := d.newBackend()
	if err != nil {
		err = fmt.Errorf("setup backend: %w", err)
		d.fail(err)
		return protocol.StateError, err
	}
	srv := NewServer(d.bus, d.topics, b, d.moves, d.logger)
	if err := srv.Start(); err != nil {
		_ = b.Close()
		err = fmt.Errorf("start server: %w", err)
		d.fail(err)
		return protocol.StateError, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	runErr := make(chan error, 1)

	d.mu.Lock()
	d.backend, d.server = b, srv
	d.runCancel, d.runDone = cancel, done
	d.active = true
	d.mu.Unlock()

	d.startStatusLoop()

	go func() {
		defer close(done)
		if err := b.Run(runCtx); err != nil {
			d.logger.Error("control loop failed", "error", err)
			d.fail(err)
			srv.Close()
			runErr <- err
		}
	}()

	select {
	case <-b.Ready():
	case err := <-runErr:
		return protocol.StateError, fmt.Errorf("%w: %v", ErrNotReady, err)
	case <-time.After(d.cfg.ReadyTimeout):
		err := ErrNotReady
		if msg := b.Status().Error; msg != nil {
			err = fmt.Errorf("%w: %s", ErrNotReady, *msg)
		}
		d.logger.Error("backend not ready", "timeout", d.cfg.ReadyTimeout, "error", err)
		d.fail(err)
		return protocol.StateError, err
	case <-ctx.Done():
		d.fail(ctx.Err())
		return protocol.StateError, ctx.Err()
	}

	if wakeUp {
		if err := b.SetMotorControlMode(backend.Enabled); err != nil {
			err = fmt.Errorf("enable motors: %w", err)
			d.fail(err)
			return protocol.StateError, err
		}
		if err := b.WakeUp(ctx); err != nil {
			err = fmt.Errorf("wake up: %w", err)
			d.fail(err)
			return protocol.StateError, err
		}
	}

	d.mu.Lock()
	if d.state == protocol.StateStarting {
		d.state = protocol.StateRunning
	}
	st := d.state
	d.mu.Unlock()
	d.logger.Info("daemon started", "state", st)
	return st, nil
}

func (d *Daemon) stop(ctx context.Context, gotoSleep bool) (protocol.DaemonState, error) {
	d.mu.Lock()
	if d.state == protocol.StateStopped {
		d.mu.Unlock()
		d.logger.Debug("daemon already stopped")
		return protocol.StateStopped, nil
	}
	if !d.active {
		d.state = protocol.StateStopped
		d.mu.Unlock()
		return protocol.StateStopped, nil
	}
	if d.state == protocol.StateStopping || d.state == protocol.StateError {
		gotoSleep = false
	}
	d.state = protocol.StateStopping
	b, srv := d.backend, d.server
	cancel, done := d.runCancel, d.runDone
	d.mu.Unlock()
	d.logger.Info("stopping daemon", "goto_sleep", gotoSleep)

	b.SetShuttingDown(true)
	d.stopStatusLoop()

	var stopErr error
	if gotoSleep {
		if err := d.sleep(ctx, b); err != nil {
			stopErr = fmt.Errorf("goto sleep: %w", err)
			d.logger.Error("goto sleep failed", "error", err)
			d.fail(stopErr)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(d.cfg.JoinTimeout):
		stopErr = fmt.Errorf("control loop did not stop within %v", d.cfg.JoinTimeout)
		d.logger.Warn("backend did not stop in time, forcing shutdown", "timeout", d.cfg.JoinTimeout)
		d.fail(stopErr)
	}

	if err := b.Close(); err != nil {
		d.logger.Warn("close backend failed", "error", err)
	}
	// After the backend so its last data still goes out.
	srv.Close()

	d.mu.Lock()
	d.active = false
	if d.state != protocol.StateError {
		d.state = protocol.StateStopped
	}
	if msg := b.Status().Error; msg != nil {
		d.state = protocol.StateError
		d.errMsg = msg
	}
	st := d.state
	d.mu.Unlock()
	d.logger.Info("daemon stopped", "state", st)
	return st, stopErr
}

func (d *Daemon) sleep(ctx context.Context, b backend.Backend) error {
	if err := b.SetMotorControlMode(backend.Enabled); err != nil {
		return err
	}
	if err := b.GotoSleep(ctx); err != nil {
		return err
	}
	return b.SetMotorControlMode(backend.Disabled)
}

func (d *Daemon) startStatusLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.mu.Lock()
	d.statusCancel, d.statusDone = cancel, done
	d.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(d.cfg.StatusPeriod)
		defer ticker.Stop()
		for {
			d.publishStatus()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (d *Daemon) stopStatusLoop() {
	d.mu.Lock()
	cancel, done := d.statusCancel, d.statusDone
	d.statusCancel, d.statusDone = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Daemon) publishStatus() {
	srv := d.Server()
	if srv == nil {
		return
	}
	if err := srv.PublishStatus(d.Status()); err != nil {
		d.logger.Warn("publish status failed", "error", err)
	}
}
