package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/bus"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/motion"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
	"github.com/teslashibe/go-reachy-daemon/pkg/trajectory"
)

// Server connects one backend to the bus: it applies commands, runs tasks
// and publishes what the control loop produces.
type Server struct {
	bus     bus.Bus
	topics  *protocol.Topics
	backend backend.Backend
	moves   *motion.Registry
	logger  *slog.Logger

	// cmdMu serializes commands so each one applies atomically.
	cmdMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	subs   []bus.Subscription
	tasks  *Tasks
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewServer creates a server. moves may be nil, in which case play-move
// tasks fail.
func NewServer(b bus.Bus, topics *protocol.Topics, be backend.Backend, moves *motion.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bus:     b,
		topics:  topics,
		backend: be,
		moves:   moves,
		logger:  logger.With("component", "server"),
		ctx:     ctx,
		cancel:  cancel,
		tasks:   newTasks(),
	}
}

// Start sets the backend publisher and subscribes to the command and task
// topics.
func (s *Server) Start() error {
	s.backend.SetPublisher(newBusPublisher(s.bus, s.topics, s.logger))

	for topic, h := range map[string]bus.Handler{
		s.topics.Command(): s.handleCommand,
		s.topics.Task():    s.handleTask,
	} {
		sub, err := s.bus.Subscribe(topic, h)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("server started", "prefix", s.topics.Prefix())
	return nil
}

// Close unsubscribes, cancels running tasks, waits for them and clears
// the task table.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.cancel()
		s.tasks.cancelAll()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.logger.Warn("tasks still running after close", "running", s.tasks.Running())
		}
		s.tasks.clear()
		s.logger.Info("server stopped")
	})
}

// Tasks returns the task table.
func (s *Server) Tasks() *Tasks { return s.tasks }

// PublishStatus sends a daemon status.
func (s *Server) PublishStatus(st protocol.DaemonStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.bus.Publish(s.topics.DaemonStatus(), payload)
}

func (s *Server) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Close(); err != nil {
			s.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	s.subs = nil
}

func (s *Server) handleCommand(_ string, payload []byte) {
	cmd, warnings, err := protocol.ParseCommand(payload)
	if err != nil {
		s.logger.Warn("invalid command", "error", err)
		return
	}
	for _, w := range warnings {
		s.logger.Warn("invalid command key", "error", w)
	}
	s.ApplyCommand(cmd)
}

// ApplyCommand applies a decoded command. Target keys are ignored while a
// move runs; mode and recording keys always apply.
func (s *Server) ApplyCommand(cmd protocol.Command) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	b := s.backend
	blockTargets := b.IsMoveRunning()

	if cmd.Torque != nil {
		if cmd.IDs != nil {
			if err := b.SetMotorTorqueIDs(cmd.IDs, *cmd.Torque); err != nil {
				s.logger.Warn("set motor torque failed", "ids", cmd.IDs, "on", *cmd.Torque, "error", err)
			}
		} else {
			mode := backend.Disabled
			if *cmd.Torque {
				mode = backend.Enabled
			}
			if err := b.SetMotorControlMode(mode); err != nil {
				s.logger.Warn("set motor control mode failed", "mode", mode, "error", err)
			}
		}
	}

	if cmd.HasTargets() && blockTargets {
		s.logger.Warn("ignoring target command while a move is running")
	} else {
		if cmd.HeadJointPositions != nil {
			b.SetTargetHeadJoints(*cmd.HeadJointPositions)
		}
		if cmd.HeadPose != nil {
			b.SetTargetHeadPose(*cmd.HeadPose)
		}
		if cmd.BodyYaw != nil {
			b.SetTargetBodyYaw(*cmd.BodyYaw)
		}
		if cmd.Antennas != nil {
			b.SetTargetAntennas(*cmd.Antennas)
		}
	}

	if cmd.GravityCompensation != nil {
		mode := backend.Enabled
		if *cmd.GravityCompensation {
			mode = backend.GravityCompensation
		}
		if err := b.SetMotorControlMode(mode); err != nil {
			s.logger.Error("gravity compensation switch failed", "mode", mode, "error", err)
		}
	}
	if cmd.AutomaticBodyYaw != nil {
		b.SetAutomaticBodyYaw(*cmd.AutomaticBodyYaw)
	}
	if cmd.SetTargetRecord != nil {
		b.AppendRecord(backend.Record(cmd.SetTargetRecord))
	}
	if cmd.StartRecording {
		b.StartRecording()
	}
	if cmd.StopRecording {
		b.StopRecording()
	}
}

func (s *Server) handleTask(_ string, payload []byte) {
	var req protocol.TaskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("invalid task", "error", err)
		return
	}
	if err := s.RunTask(req); err != nil {
		s.logger.Warn("task rejected", "uuid", req.UUID, "error", err)
	}
}

// RunTask starts req in the background and publishes its progress when it
// ends. A duplicate uuid gets a failed progress. A task that finds another
// move running finishes without error and is recorded as TaskRejected.
func (s *Server) RunTask(req protocol.TaskRequest) error {
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}
	ctx, cancel := context.WithCancel(s.ctx)
	if err := s.tasks.start(req.UUID, req.Kind(), cancel); err != nil {
		cancel()
		s.publishProgress(protocol.NewTaskProgress(req.UUID, err))
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		logger := s.logger.With("uuid", req.UUID, "kind", req.Kind())
		logger.Debug("task started")

		err := s.execute(ctx, req)
		s.tasks.finish(req.UUID, err)
		switch {
		case errors.Is(err, backend.ErrMoveRunning):
			logger.Warn("task ignored, another move is running")
			err = nil
		case err != nil:
			logger.Warn("task failed", "error", err)
		default:
			logger.Debug("task finished")
		}
		s.publishProgress(protocol.NewTaskProgress(req.UUID, err))
	}()
	return nil
}

func (s *Server) publishProgress(p protocol.TaskProgress) {
	payload, err := json.Marshal(p)
	if err == nil {
		err = s.bus.Publish(s.topics.TaskProgress(), payload)
	}
	if err != nil {
		s.logger.Warn("publish task progress failed", "uuid", p.UUID, "error", err)
	}
}

func (s *Server) execute(ctx context.Context, req protocol.TaskRequest) error {
	switch {
	case req.Goto != nil:
		r, err := gotoRequest(*req.Goto)
		if err != nil {
			return err
		}
		return s.backend.GotoTarget(ctx, r)
	case req.PlayMove != nil:
		return s.playMove(ctx, *req.PlayMove)
	default:
		return protocol.ErrBadTask
	}
}

func gotoRequest(g protocol.GotoTask) (backend.GotoRequest, error) {
	var r backend.GotoRequest
	if g.Head != nil {
		p, err := pose.FromFlat(g.Head)
		if err != nil {
			return r, fmt.Errorf("goto head: %w", err)
		}
		if err := p.Validate(); err != nil {
			return r, fmt.Errorf("goto head: %w", err)
		}
		r.Head = &p
	}
	if g.Antennas != nil {
		if len(g.Antennas) != 2 {
			return r, fmt.Errorf("goto antennas: want 2 values, got %d", len(g.Antennas))
		}
		r.Antennas = &kinematics.Antennas{g.Antennas[0], g.Antennas[1]}
	}
	r.BodyYaw = g.BodyYaw

	r.Duration = backend.DefaultGotoDuration
	if g.Duration != 0 {
		r.Duration = time.Duration(g.Duration * float64(time.Second))
	}
	if g.Method != "" {
		m, err := trajectory.ParseMethod(g.Method)
		if err != nil {
			return r, err
		}
		r.Method = m
	}
	return r, nil
}

func (s *Server) playMove(ctx context.Context, p protocol.PlayMoveTask) error {
	if s.moves == nil {
		return ErrNoLibrary
	}
	var (
		m   *motion.RecordedMove
		err error
	)
	if p.Library != "" {
		m, err = s.moves.Get(p.Library, p.MoveName)
	} else {
		m, err = s.moves.Find(p.MoveName)
	}
	if err != nil {
		return err
	}
	var opts backend.PlayOptions
	if p.InitialGotoDuration != nil && *p.InitialGotoDuration > 0 {
		opts.InitialGoto = time.Duration(*p.InitialGotoDuration * float64(time.Second))
	}
	return s.backend.PlayMove(ctx, m, opts)
}
