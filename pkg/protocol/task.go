package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBadTask means a task request could not be decoded.
var ErrBadTask = errors.New("protocol: malformed task request")

// Timestamp marshals as RFC 3339 and also accepts ISO 8601 times without
// a zone, read as UTC.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp{time.Now().UTC()} }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognised time %q", s)
}

// GotoTask moves the head, antennas and body to a target.
type GotoTask struct {
	// Head is a 4x4 row-major pose, or nil to keep the head.
	Head []float64 `json:"head"`
	// Antennas are [right, left] radians, or nil to keep them.
	Antennas []float64 `json:"antennas"`
	// Duration in seconds.
	Duration float64  `json:"duration"`
	Method   string   `json:"method"`
	BodyYaw  *float64 `json:"body_yaw"`
}

// PlayMoveTask plays a recorded move by name.
type PlayMoveTask struct {
	MoveName string `json:"move_name"`
	// Library restricts the lookup. Empty searches every library.
	Library string `json:"library,omitempty"`
	// InitialGotoDuration, when positive, first moves to the start of the
	// move over that many seconds.
	InitialGotoDuration *float64 `json:"initial_goto_duration,omitempty"`
}

// TaskRequest asks the daemon to run a long operation. Exactly one of
// Goto and PlayMove is set.
type TaskRequest struct {
	UUID      uuid.UUID
	Goto      *GotoTask
	PlayMove  *PlayMoveTask
	Timestamp Timestamp
}

type taskRequestJSON struct {
	UUID      uuid.UUID       `json:"uuid"`
	Req       json.RawMessage `json:"req"`
	Timestamp Timestamp       `json:"timestamp"`
}

type taggedReq struct {
	Goto     *GotoTask     `json:"goto"`
	PlayMove *PlayMoveTask `json:"play_move"`
}

// NewGotoRequest builds a goto task with a fresh id.
func NewGotoRequest(g GotoTask) TaskRequest {
	return TaskRequest{UUID: uuid.New(), Goto: &g, Timestamp: Now()}
}

// NewPlayMoveRequest builds a play-move task with a fresh id.
func NewPlayMoveRequest(p PlayMoveTask) TaskRequest {
	return TaskRequest{UUID: uuid.New(), PlayMove: &p, Timestamp: Now()}
}

// MarshalJSON writes req in its untagged form.
func (r TaskRequest) MarshalJSON() ([]byte, error) {
	var req any
	switch {
	case r.Goto != nil && r.PlayMove != nil:
		return nil, fmt.Errorf("%w: both goto and play_move set", ErrBadTask)
	case r.Goto != nil:
		req = r.Goto
	case r.PlayMove != nil:
		req = r.PlayMove
	default:
		return nil, fmt.Errorf("%w: empty request", ErrBadTask)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskRequestJSON{UUID: r.UUID, Req: raw, Timestamp: r.Timestamp})
}

// UnmarshalJSON accepts {"goto": {...}}, {"play_move": {...}} and the
// untagged form, where the presence of move_name selects a play-move.
func (r *TaskRequest) UnmarshalJSON(b []byte) error {
	var raw taskRequestJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrBadTask, err)
	}
	if raw.UUID == uuid.Nil {
		return fmt.Errorf("%w: missing uuid", ErrBadTask)
	}
	if len(bytes.TrimSpace(raw.Req)) == 0 || bytes.Equal(bytes.TrimSpace(raw.Req), []byte("null")) {
		return fmt.Errorf("%w: missing req", ErrBadTask)
	}

	out := TaskRequest{UUID: raw.UUID, Timestamp: raw.Timestamp}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw.Req, &keys); err != nil {
		return fmt.Errorf("%w: req: %v", ErrBadTask, err)
	}
	_, isGoto := keys["goto"]
	_, isPlay := keys["play_move"]
	_, hasMoveName := keys["move_name"]

	switch {
	case isGoto || isPlay:
		var t taggedReq
		if err := json.Unmarshal(raw.Req, &t); err != nil {
			return fmt.Errorf("%w: req: %v", ErrBadTask, err)
		}
		out.Goto, out.PlayMove = t.Goto, t.PlayMove
	case hasMoveName:
		out.PlayMove = &PlayMoveTask{}
		if err := json.Unmarshal(raw.Req, out.PlayMove); err != nil {
			return fmt.Errorf("%w: play_move: %v", ErrBadTask, err)
		}
	default:
		out.Goto = &GotoTask{}
		if err := json.Unmarshal(raw.Req, out.Goto); err != nil {
			return fmt.Errorf("%w: goto: %v", ErrBadTask, err)
		}
	}
	if (out.Goto == nil) == (out.PlayMove == nil) {
		return fmt.Errorf("%w: want exactly one of goto and play_move", ErrBadTask)
	}
	if out.PlayMove != nil && out.PlayMove.MoveName == "" {
		return fmt.Errorf("%w: empty move_name", ErrBadTask)
	}
	*r = out
	return nil
}

// Kind names the request variant for logs.
func (r TaskRequest) Kind() string {
	if r.PlayMove != nil {
		return "play_move"
	}
	return "goto"
}

// TaskProgress reports the end of a task.
type TaskProgress struct {
	UUID      uuid.UUID `json:"uuid"`
	Finished  bool      `json:"finished"`
	Error     *string   `json:"error"`
	Timestamp Timestamp `json:"timestamp"`
}

// NewTaskProgress builds the final progress of a task. A nil err means
// success.
func NewTaskProgress(id uuid.UUID, err error) TaskProgress {
	p := TaskProgress{UUID: id, Finished: true, Timestamp: Now()}
	if err != nil {
		msg := err.Error()
		p.Error = &msg
	}
	return p
}
