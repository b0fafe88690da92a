package robot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/bus"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
)

var (
	// ErrNoStatus is returned before the first daemon status arrives.
	ErrNoStatus = errors.New("robot: no daemon status received")

	// ErrTaskFailed wraps the error a daemon reports for a task.
	ErrTaskFailed = errors.New("robot: task failed")

	// ErrClientClosed is returned by a closed client.
	ErrClientClosed = errors.New("robot: client closed")
)

// ConnectTimeout bounds how long Connect waits for the first state.
const ConnectTimeout = 5 * time.Second

// Client talks to a daemon over a bus.
type Client struct {
	bus    bus.Bus
	ownBus bool
	topics *protocol.Topics
	logger *slog.Logger

	mu        sync.RWMutex
	joints    *protocol.JointPositions
	headPose  *pose.Pose
	status    *protocol.DaemonStatus
	connected chan struct{}
	connOnce  sync.Once

	pendMu   sync.Mutex
	pending  map[uuid.UUID]chan protocol.TaskProgress
	recorded chan []backend.Record

	subs      []bus.Subscription
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient subscribes to the state topics of the daemon under prefix.
// The caller keeps ownership of b.
func NewClient(b bus.Bus, prefix string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		bus:       b,
		topics:    protocol.NewTopics(prefix),
		logger:    logger.With("component", "robot"),
		connected: make(chan struct{}),
		pending:   make(map[uuid.UUID]chan protocol.TaskProgress),
		recorded:  make(chan []backend.Record, 1),
		closed:    make(chan struct{}),
	}
	for topic, h := range map[string]bus.Handler{
		c.topics.JointPositions(): c.handleJointPositions,
		c.topics.HeadPose():       c.handleHeadPose,
		c.topics.DaemonStatus():   c.handleStatus,
		c.topics.TaskProgress():   c.handleProgress,
		c.topics.RecordedData():   c.handleRecorded,
	} {
		sub, err := b.Subscribe(topic, h)
		if err != nil {
			c.unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.subs = append(c.subs, sub)
	}
	return c, nil
}

// Connect dials the daemon bus at endpoint and waits for the first state
// message. The returned client owns the bus connection.
func Connect(ctx context.Context, kind, endpoint, prefix string, logger *slog.Logger) (*Client, error) {
	b, err := bus.Dial(ctx, kind, endpoint, prefix, logger)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c, err := NewClient(b, prefix, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	c.ownBus = true

	select {
	case <-c.Connected():
	case <-time.After(ConnectTimeout):
		c.Close()
		return nil, fmt.Errorf("timeout waiting for robot state on %s", endpoint)
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// Connected is closed once any state message has arrived.
func (c *Client) Connected() <-chan struct{} { return c.connected }

// Close unsubscribes and, for clients made by Connect, closes the bus.
// Pending tasks return ErrClientClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.unsubscribe()
		if c.ownBus {
			err = c.bus.Close()
		}
	})
	return err
}

func (c *Client) unsubscribe() {
	for _, sub := range c.subs {
		_ = sub.Close()
	}
	c.subs = nil
}

// Commands.

// Send publishes a command.
func (c *Client) Send(cmd protocol.Command) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return c.bus.Publish(c.topics.Command(), data)
}

// SetHeadPose orients the head without translating it.
func (c *Client) SetHeadPose(roll, pitch, yaw float64) error {
	p := pose.FromXYZRPY(0, 0, 0, roll, pitch, yaw)
	return c.Send(protocol.Command{HeadPose: &p})
}

// SetAntennas sets the antenna targets.
func (c *Client) SetAntennas(left, right float64) error {
	a := kinematics.Antennas{right, left}
	return c.Send(protocol.Command{Antennas: &a})
}

// SetAntennasSmooth starts a goto of the antennas over duration seconds.
// It does not wait for the move to end.
func (c *Client) SetAntennasSmooth(left, right, duration float64) error {
	return c.Submit(protocol.NewGotoRequest(protocol.GotoTask{
		Antennas: []float64{right, left},
		Duration: duration,
	}))
}

// SetBodyYaw sets the body yaw target.
func (c *Client) SetBodyYaw(yaw float64) error {
	return c.Send(protocol.Command{BodyYaw: &yaw})
}

// SetPose sets head, antennas and body yaw in a single command. Nil
// members are left unchanged.
func (c *Client) SetPose(head *Offset, antennas *[2]float64, bodyYaw *float64) error {
	var cmd protocol.Command
	if head != nil {
		p := pose.FromXYZRPY(0, 0, 0, head.Roll, head.Pitch, head.Yaw)
		cmd.HeadPose = &p
	}
	if antennas != nil {
		a := kinematics.Antennas{antennas[1], antennas[0]}
		cmd.Antennas = &a
	}
	cmd.BodyYaw = bodyYaw
	if !cmd.HasTargets() {
		return nil
	}
	return c.Send(cmd)
}

// SetTorque switches torque on or off. With ids only the named motors
// change; without, the whole robot switches motor control mode.
func (c *Client) SetTorque(on bool, ids ...string) error {
	cmd := protocol.Command{Torque: &on}
	if len(ids) > 0 {
		cmd.IDs = ids
	}
	return c.Send(cmd)
}

// SetGravityCompensation enters or leaves gravity compensation.
func (c *Client) SetGravityCompensation(on bool) error {
	return c.Send(protocol.Command{GravityCompensation: &on})
}

// SetAutomaticBodyYaw toggles automatic body yaw.
func (c *Client) SetAutomaticBodyYaw(on bool) error {
	return c.Send(protocol.Command{AutomaticBodyYaw: &on})
}

// Tasks.

// Submit publishes a task without waiting for it.
func (c *Client) Submit(req protocol.TaskRequest) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return c.bus.Publish(c.topics.Task(), data)
}

// RunTask publishes req and waits for its progress.
func (c *Client) RunTask(ctx context.Context, req protocol.TaskRequest) error {
	ch := make(chan protocol.TaskProgress, 1)
	c.pendMu.Lock()
	c.pending[req.UUID] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, req.UUID)
		c.pendMu.Unlock()
	}()

	if err := c.Submit(req); err != nil {
		return err
	}
	select {
	case p := <-ch:
		if p.Error != nil {
			return fmt.Errorf("%w: %s", ErrTaskFailed, *p.Error)
		}
		return nil
	case <-c.closed:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Goto moves to g and waits for the move to end.
func (c *Client) Goto(ctx context.Context, g protocol.GotoTask) error {
	return c.RunTask(ctx, protocol.NewGotoRequest(g))
}

// PlayMove plays a recorded move and waits for it to end. An empty
// library searches every library the daemon knows.
func (c *Client) PlayMove(ctx context.Context, name, library string) error {
	return c.RunTask(ctx, protocol.NewPlayMoveRequest(protocol.PlayMoveTask{MoveName: name, Library: library}))
}

// Recording.

// StartRecording asks the daemon to buffer records.
func (c *Client) StartRecording() error {
	select {
	case <-c.recorded:
	default:
	}
	return c.Send(protocol.Command{StartRecording: true})
}

// AppendRecord adds one record to the daemon's buffer.
func (c *Client) AppendRecord(r backend.Record) error {
	return c.Send(protocol.Command{SetTargetRecord: r})
}

// StopRecording ends the recording and waits for the daemon to publish
// the records.
func (c *Client) StopRecording(ctx context.Context) ([]backend.Record, error) {
	if err := c.Send(protocol.Command{StopRecording: true}); err != nil {
		return nil, err
	}
	select {
	case records := <-c.recorded:
		return records, nil
	case <-c.closed:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State.

// GetDaemonStatus returns the last daemon state.
func (c *Client) GetDaemonStatus() (string, error) {
	st, ok := c.Status()
	if !ok {
		return "unknown", ErrNoStatus
	}
	return string(st.State), nil
}

// Status returns the last daemon status.
func (c *Client) Status() (protocol.DaemonStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status == nil {
		return protocol.DaemonStatus{}, false
	}
	return *c.status, true
}

// JointPositions returns the last joint positions.
func (c *Client) JointPositions() (kinematics.HeadJoints, kinematics.Antennas, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.joints == nil {
		return kinematics.HeadJoints{}, kinematics.Antennas{}, false
	}
	head, antennas := c.joints.Joints()
	return head, antennas, true
}

// HeadPose returns the last head pose.
func (c *Client) HeadPose() (pose.Pose, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.headPose == nil {
		return pose.Identity(), false
	}
	return *c.headPose, true
}

func (c *Client) markConnected() {
	c.connOnce.Do(func() { close(c.connected) })
}

func (c *Client) handleJointPositions(_ string, data []byte) {
	var jp protocol.JointPositions
	if err := json.Unmarshal(data, &jp); err != nil {
		c.logger.Debug("invalid joint positions", "error", err)
		return
	}
	c.mu.Lock()
	c.joints = &jp
	c.mu.Unlock()
	c.markConnected()
}

func (c *Client) handleHeadPose(_ string, data []byte) {
	var hp protocol.HeadPose
	if err := json.Unmarshal(data, &hp); err != nil {
		c.logger.Debug("invalid head pose", "error", err)
		return
	}
	p := hp.Pose()
	c.mu.Lock()
	c.headPose = &p
	c.mu.Unlock()
	c.markConnected()
}

func (c *Client) handleStatus(_ string, data []byte) {
	var st protocol.DaemonStatus
	if err := json.Unmarshal(data, &st); err != nil {
		c.logger.Debug("invalid daemon status", "error", err)
		return
	}
	c.mu.Lock()
	c.status = &st
	c.mu.Unlock()
	c.markConnected()
}

func (c *Client) handleProgress(_ string, data []byte) {
	var p protocol.TaskProgress
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Debug("invalid task progress", "error", err)
		return
	}
	c.pendMu.Lock()
	ch, ok := c.pending[p.UUID]
	c.pendMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func (c *Client) handleRecorded(_ string, data []byte) {
	var records []backend.Record
	if err := json.Unmarshal(data, &records); err != nil {
		c.logger.Warn("invalid recorded data", "error", err)
		return
	}
	select {
	case <-c.recorded:
	default:
	}
	select {
	case c.recorded <- records:
	default:
	}
}
