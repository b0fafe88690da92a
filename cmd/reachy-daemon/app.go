package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/teslashibe/go-reachy-daemon/internal/config"
	"github.com/teslashibe/go-reachy-daemon/pkg/audio"
	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/bus"
	"github.com/teslashibe/go-reachy-daemon/pkg/daemon"
	"github.com/teslashibe/go-reachy-daemon/pkg/dynamixel"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/motion"
)

// stopTimeout bounds the sleep move and the join on shutdown.
const stopTimeout = 30 * time.Second

// App wires the configured backend, bus and move libraries into a daemon.
type App struct {
	cfg    config.Daemon
	logger *slog.Logger

	hw     dynamixel.HardwareConfig
	moves  *motion.Registry
	store  *motion.Store
	sound  *audio.Player
	bus    bus.Bus
	daemon *daemon.Daemon
}

// NewApp validates cfg, loads the move libraries and opens the bus.
func NewApp(ctx context.Context, cfg config.Daemon, soundsDir string, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	a.hw = dynamixel.DefaultHardwareConfig()
	if cfg.HardwareConfig != "" {
		hw, err := dynamixel.LoadHardwareConfig(cfg.HardwareConfig)
		if err != nil {
			return nil, err
		}
		a.hw = hw
	}

	if err := a.loadMoves(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if soundsDir != "" {
		acfg := audio.DefaultConfig()
		acfg.SoundsDir = soundsDir
		player, err := audio.NewPlayer(acfg, logger)
		if err != nil {
			logger.Warn("move sounds disabled", "error", err)
		} else {
			a.sound = player
		}
	}

	b, err := bus.Open(cfg.Bus, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open %s bus: %w", cfg.Bus.Kind, err)
	}
	a.bus = b

	d, err := daemon.New(cfg.DaemonConfig(), b, a.newBackend, a.moves, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.daemon = d
	return a, nil
}

func (a *App) loadMoves(ctx context.Context) error {
	lib, err := motion.Embedded()
	if err != nil {
		return fmt.Errorf("load embedded moves: %w", err)
	}
	a.moves = motion.NewRegistry(lib)

	if dir := a.cfg.Moves.Dir; dir != "" {
		lib, err := motion.LoadDir(filepath.Base(dir), dir)
		if err != nil {
			return err
		}
		a.moves.Add(lib)
	}

	if path := a.cfg.Moves.DB; path != "" {
		a.store = motion.NewStore(path)
		if err := a.store.Init(ctx); err != nil {
			return fmt.Errorf("open move store: %w", err)
		}
		if err := a.store.LoadAll(ctx, a.moves); err != nil {
			return fmt.Errorf("load move store: %w", err)
		}
	}
	a.logger.Info("move libraries loaded", "libraries", a.moves.Libraries())
	return nil
}

// newBackend builds a fresh backend for each daemon start.
func (a *App) newBackend() (backend.Backend, error) {
	engine, err := kinematics.New(a.cfg.Kinematics, a.cfg.KinematicsConfig, a.logger)
	if err != nil {
		return nil, fmt.Errorf("kinematics: %w", err)
	}

	var b backend.Backend
	switch a.cfg.Backend {
	case config.BackendRobot:
		ctrl, err := dynamixel.Dial(a.cfg.Serial, a.hw, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open motors on %s: %w", a.cfg.Serial.Port, err)
		}
		rc := a.cfg.Robot
		if rc.PID == nil {
			rc.PID = a.hw.PIDGains()
		}
		robot, err := backend.NewRobot(ctrl, engine, rc, a.logger)
		if err != nil {
			_ = ctrl.Close()
			return nil, err
		}
		b = robot
	case config.BackendPhysics:
		b, err = backend.NewPhysics(backend.NewJointSim(a.cfg.Sim), engine, a.cfg.Physics, a.logger)
	case config.BackendMockup:
		b, err = backend.NewMockup(engine, a.cfg.Mockup, a.logger)
	default:
		err = fmt.Errorf("unknown backend %q", a.cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if a.sound != nil {
		b.SetSoundPlayer(a.sound)
	}
	return b, nil
}

// Run starts the daemon and stops it when ctx is done.
func (a *App) Run(ctx context.Context) error {
	state, err := a.daemon.Start(ctx, a.cfg.WakeUpOnStart)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_, _ = a.daemon.Stop(stopCtx, false)
		return fmt.Errorf("start daemon (%s): %w", state, err)
	}
	attrs := []any{"backend", a.cfg.Backend, "bus", a.cfg.Bus.Kind, "robot", a.cfg.Daemon.RobotName}
	if ws, ok := a.bus.(*bus.WebSocketServer); ok {
		attrs = append(attrs, "url", ws.URL())
	}
	a.logger.Info("daemon running", attrs...)

	<-ctx.Done()
	a.logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	state, err = a.daemon.Stop(stopCtx, a.cfg.GotoSleepOnStop)
	if err != nil {
		return fmt.Errorf("stop daemon (%s): %w", state, err)
	}
	return nil
}

// Close releases the bus, the move store and the sound player.
func (a *App) Close() error {
	var errs []error
	if a.sound != nil {
		a.sound.Stop()
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
