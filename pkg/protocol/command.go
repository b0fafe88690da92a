package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// Command keys.
const (
	KeyTorque              = "torque"
	KeyIDs                 = "ids"
	KeyHeadJointPositions  = "head_joint_positions"
	KeyHeadPose            = "head_pose"
	KeyBodyYaw             = "body_yaw"
	KeyAntennas            = "antennas_joint_positions"
	KeyGravityCompensation = "gravity_compensation"
	KeyAutomaticBodyYaw    = "automatic_body_yaw"
	KeySetTargetRecord     = "set_target_record"
	KeyStartRecording      = "start_recording"
	KeyStopRecording       = "stop_recording"
)

// ErrBadCommand means the command payload is not a JSON object.
var ErrBadCommand = errors.New("protocol: command is not a JSON object")

// KeyError reports one command key that could not be decoded. The other
// keys of the command still apply.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string { return fmt.Sprintf("command key %q: %v", e.Key, e.Err) }

func (e *KeyError) Unwrap() error { return e.Err }

// Command is a partial update sent on the command topic. Nil members were
// absent from the payload.
type Command struct {
	Torque *bool
	// IDs restricts Torque to the named motors. Nil switches the motor
	// control mode instead.
	IDs []string

	HeadJointPositions *kinematics.HeadJoints
	HeadPose           *pose.Pose
	BodyYaw            *float64
	Antennas           *kinematics.Antennas

	GravityCompensation *bool
	AutomaticBodyYaw    *bool

	SetTargetRecord map[string]any
	StartRecording  bool
	StopRecording   bool
}

// HasTargets reports whether the command moves the robot.
func (c Command) HasTargets() bool {
	return c.HeadJointPositions != nil || c.HeadPose != nil || c.BodyYaw != nil || c.Antennas != nil
}

// ParseCommand decodes a command. Malformed keys are skipped and returned
// as KeyErrors; the error result is set only when the payload is not an
// object at all.
func ParseCommand(data []byte) (Command, []error, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return Command{}, nil, fmt.Errorf("%w: %s", ErrBadCommand, truncate(data))
	}

	var (
		cmd  Command
		errs []error
	)
	fail := func(key string, err error) { errs = append(errs, &KeyError{Key: key, Err: err}) }

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := raw[key]
		switch key {
		case KeyTorque:
			var on bool
			if err := json.Unmarshal(v, &on); err != nil {
				fail(key, err)
				continue
			}
			cmd.Torque = &on
		case KeyIDs:
			if err := json.Unmarshal(v, &cmd.IDs); err != nil {
				fail(key, err)
				cmd.IDs = nil
			}
		case KeyHeadJointPositions:
			var j []float64
			if err := json.Unmarshal(v, &j); err != nil {
				fail(key, err)
				continue
			}
			if len(j) != len(kinematics.HeadJoints{}) {
				fail(key, fmt.Errorf("want 7 values, got %d", len(j)))
				continue
			}
			var hj kinematics.HeadJoints
			copy(hj[:], j)
			cmd.HeadJointPositions = &hj
		case KeyHeadPose:
			p, err := DecodePose(v)
			if err != nil {
				fail(key, err)
				continue
			}
			cmd.HeadPose = &p
		case KeyBodyYaw:
			var y float64
			if err := json.Unmarshal(v, &y); err != nil {
				fail(key, err)
				continue
			}
			cmd.BodyYaw = &y
		case KeyAntennas:
			var a []float64
			if err := json.Unmarshal(v, &a); err != nil {
				fail(key, err)
				continue
			}
			if len(a) != 2 {
				fail(key, fmt.Errorf("want 2 values, got %d", len(a)))
				continue
			}
			cmd.Antennas = &kinematics.Antennas{a[0], a[1]}
		case KeyGravityCompensation:
			var on bool
			if err := json.Unmarshal(v, &on); err != nil {
				fail(key, err)
				continue
			}
			cmd.GravityCompensation = &on
		case KeyAutomaticBodyYaw:
			var on bool
			if err := json.Unmarshal(v, &on); err != nil {
				fail(key, err)
				continue
			}
			cmd.AutomaticBodyYaw = &on
		case KeySetTargetRecord:
			var rec map[string]any
			if err := json.Unmarshal(v, &rec); err != nil || rec == nil {
				fail(key, fmt.Errorf("want an object"))
				continue
			}
			cmd.SetTargetRecord = rec
		case KeyStartRecording:
			cmd.StartRecording = true
		case KeyStopRecording:
			cmd.StopRecording = true
		default:
			fail(key, fmt.Errorf("unknown key"))
		}
	}
	return cmd, errs, nil
}

// MarshalJSON encodes only the members that are set. Poses use the
// nested 4x4 form.
func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if c.Torque != nil {
		out[KeyTorque] = *c.Torque
		out[KeyIDs] = c.IDs
	}
	if c.HeadJointPositions != nil {
		out[KeyHeadJointPositions] = c.HeadJointPositions[:]
	}
	if c.HeadPose != nil {
		out[KeyHeadPose] = [4][4]float64(*c.HeadPose)
	}
	if c.BodyYaw != nil {
		out[KeyBodyYaw] = *c.BodyYaw
	}
	if c.Antennas != nil {
		out[KeyAntennas] = c.Antennas[:]
	}
	if c.GravityCompensation != nil {
		out[KeyGravityCompensation] = *c.GravityCompensation
	}
	if c.AutomaticBodyYaw != nil {
		out[KeyAutomaticBodyYaw] = *c.AutomaticBodyYaw
	}
	if c.SetTargetRecord != nil {
		out[KeySetTargetRecord] = c.SetTargetRecord
	}
	if c.StartRecording {
		out[KeyStartRecording] = true
	}
	if c.StopRecording {
		out[KeyStopRecording] = true
	}
	return json.Marshal(out)
}

// DecodePose accepts a pose as 16 row-major floats or as a nested 4x4
// list, and checks that its rotation is orthonormal.
func DecodePose(raw json.RawMessage) (pose.Pose, error) {
	var flat []float64
	if err := json.Unmarshal(raw, &flat); err == nil {
		return validPose(pose.FromFlat(flat))
	}
	var nested [][]float64
	if err := json.Unmarshal(raw, &nested); err != nil {
		return pose.Pose{}, fmt.Errorf("%w: want 16 numbers or a 4x4 list", pose.ErrBadShape)
	}
	if len(nested) != 4 {
		return pose.Pose{}, fmt.Errorf("%w: %d rows", pose.ErrBadShape, len(nested))
	}
	flat = make([]float64, 0, 16)
	for i, row := range nested {
		if len(row) != 4 {
			return pose.Pose{}, fmt.Errorf("%w: row %d has %d columns", pose.ErrBadShape, i, len(row))
		}
		flat = append(flat, row...)
	}
	return validPose(pose.FromFlat(flat))
}

func validPose(p pose.Pose, err error) (pose.Pose, error) {
	if err != nil {
		return pose.Pose{}, err
	}
	if err := p.Validate(); err != nil {
		return pose.Pose{}, err
	}
	return p, nil
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
