package motion

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// Frame is one recorded target.
type Frame struct {
	// Head is the 4x4 world head pose, row-major.
	Head [4][4]float64 `json:"head"`

	// Antennas are the right and left antenna angles in radians.
	Antennas [2]float64 `json:"antennas"`

	// BodyYaw is the body rotation in radians. Missing reads as 0.
	BodyYaw *float64 `json:"body_yaw,omitempty"`

	CheckCollision bool `json:"check_collision"`
}

// RecordedData is the on-disk shape of a recorded move.
type RecordedData struct {
	Description   string    `json:"description"`
	Time          []float64 `json:"time"`
	SetTargetData []Frame   `json:"set_target_data"`
}

// RecordedMove replays sampled targets, interpolating between the two
// samples that bracket the requested time.
type RecordedMove struct {
	name        string
	description string
	timestamps  []float64
	frames      []Frame
	dt          float64
	soundPath   string
}

// ParseRecorded decodes and validates a recorded move.
func ParseRecorded(name string, payload []byte, soundPath string) (*RecordedMove, error) {
	var raw RecordedData
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadShape, name, err)
	}
	return NewRecorded(name, raw, soundPath)
}

// NewRecorded validates data and wraps it as a move.
func NewRecorded(name string, data RecordedData, soundPath string) (*RecordedMove, error) {
	if len(data.Time) == 0 {
		return nil, fmt.Errorf("%w: %s has no samples", ErrBadShape, name)
	}
	if len(data.Time) != len(data.SetTargetData) {
		return nil, fmt.Errorf("%w: %s has %d timestamps for %d samples", ErrBadShape, name, len(data.Time), len(data.SetTargetData))
	}
	for i := 1; i < len(data.Time); i++ {
		if data.Time[i] < data.Time[i-1] {
			return nil, fmt.Errorf("%w: %s timestamps decrease at sample %d", ErrBadShape, name, i)
		}
	}
	for i, f := range data.SetTargetData {
		if err := pose.Pose(f.Head).Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s sample %d: %v", ErrBadShape, name, i, err)
		}
	}

	first, last := data.Time[0], data.Time[len(data.Time)-1]
	return &RecordedMove{
		name:        name,
		description: data.Description,
		timestamps:  data.Time,
		frames:      data.SetTargetData,
		dt:          (last - first) / float64(len(data.Time)),
		soundPath:   soundPath,
	}, nil
}

// Name returns the move name within its library.
func (m *RecordedMove) Name() string { return m.name }

// Description returns the human-readable description.
func (m *RecordedMove) Description() string { return m.description }

// SoundPath implements SoundPather. Empty when the move has no sound.
func (m *RecordedMove) SoundPath() string { return m.soundPath }

// Len returns the number of samples.
func (m *RecordedMove) Len() int { return len(m.frames) }

// Duration implements Move.
func (m *RecordedMove) Duration() time.Duration {
	return time.Duration(float64(len(m.frames)) * m.dt * float64(time.Second))
}

// Data returns the move in its on-disk shape.
func (m *RecordedMove) Data() RecordedData {
	return RecordedData{Description: m.description, Time: m.timestamps, SetTargetData: m.frames}
}

// Evaluate implements Move. Evaluating at or after the last timestamp
// returns ErrBeyondEnd, and at a negative time ErrBeforeStart.
func (m *RecordedMove) Evaluate(t time.Duration) (Sample, error) {
	if t < 0 {
		return Sample{}, fmt.Errorf("%w: %s at %v", ErrBeforeStart, m.name, t)
	}
	ts := t.Seconds()
	last := m.timestamps[len(m.timestamps)-1]
	if ts >= last {
		return Sample{}, fmt.Errorf("%w: %s at %.3fs, last sample at %.3fs", ErrBeyondEnd, m.name, ts, last)
	}

	// First sample strictly after ts.
	index := sort.Search(len(m.timestamps), func(i int) bool { return m.timestamps[i] > ts })
	prev := index - 1
	if prev < 0 {
		prev = 0
	}
	next := index
	if next >= len(m.timestamps) {
		next = prev
	}

	tPrev, tNext := m.timestamps[prev], m.timestamps[next]
	var alpha float64
	if tNext != tPrev {
		alpha = (ts - tPrev) / (tNext - tPrev)
	}

	a, b := m.frames[prev], m.frames[next]
	head := pose.Interpolate(pose.Pose(a.Head), pose.Pose(b.Head), alpha)
	antennas := kinematics.Antennas{
		lerp(a.Antennas[0], b.Antennas[0], alpha),
		lerp(a.Antennas[1], b.Antennas[1], alpha),
	}
	yaw := lerp(yawOf(a), yawOf(b), alpha)
	return Sample{Head: &head, Antennas: &antennas, BodyYaw: &yaw}, nil
}

func yawOf(f Frame) float64 {
	if f.BodyYaw == nil {
		return 0
	}
	return *f.BodyYaw
}
