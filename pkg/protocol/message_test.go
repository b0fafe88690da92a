package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    any
		wantErr bool
	}{
		{
			name:    "joint positions",
			msgType: TypeJointPositions,
			data:    NewJointPositions(kinematics.HeadJoints{}, kinematics.Antennas{0.1, -0.1}),
		},
		{
			name:    "head pose",
			msgType: TypeHeadPose,
			data:    NewHeadPose(pose.Identity()),
		},
		{
			name:    "nil data",
			msgType: TypePing,
			data:    nil,
		},
		{
			name:    "unmarshalable data",
			msgType: TypeCommand,
			data:    make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if msg.Type != tt.msgType {
				t.Errorf("NewMessage() type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
			if tt.data == nil && msg.Data != nil {
				t.Errorf("NewMessage() data = %s, want nil", msg.Data)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	head := kinematics.HeadJoints{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	msg, err := NewMessage(TypeJointPositions, NewJointPositions(head, kinematics.Antennas{1, 2}))
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	b, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	parsed, err := ParseMessage(b)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Type != TypeJointPositions {
		t.Errorf("type = %v, want %v", parsed.Type, TypeJointPositions)
	}

	var jp JointPositions
	if err := parsed.ParseData(&jp); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	gotHead, gotAnt := jp.Joints()
	if gotHead != head {
		t.Errorf("head = %v, want %v", gotHead, head)
	}
	if gotAnt != (kinematics.Antennas{1, 2}) {
		t.Errorf("antennas = %v, want [1 2]", gotAnt)
	}
}

func TestRawMessageKeepsPayload(t *testing.T) {
	payload := []byte(`{"torque":true,"ids":null}`)
	msg := NewRawMessage(TypeCommand, payload)
	b, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	parsed, err := ParseMessage(b)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if string(parsed.Data) != string(payload) {
		t.Errorf("data = %s, want %s", parsed.Data, payload)
	}

	if NewRawMessage(TypePing, nil).Data != nil {
		t.Error("empty payload should leave data nil")
	}
}

func TestPingPongMessage(t *testing.T) {
	now := time.Now().UnixMilli()
	pong, err := NewPongMessage("abc", now-25, now)
	if err != nil {
		t.Fatalf("NewPongMessage() error = %v", err)
	}
	if pong.Type != TypePong {
		t.Errorf("type = %v, want %v", pong.Type, TypePong)
	}
	var data PongData
	if err := pong.ParseData(&data); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if data.LatencyMs != 25 {
		t.Errorf("latency = %d, want 25", data.LatencyMs)
	}
	if data.ID != "abc" {
		t.Errorf("id = %q, want abc", data.ID)
	}
}

func TestParseInvalidMessage(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not json", "not json"},
		{"array", "[1,2,3]"},
		{"missing type", `{"ts":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.data)); err == nil {
				t.Error("ParseMessage() should fail")
			}
		})
	}
}

func TestHeadPoseJSONIsNested(t *testing.T) {
	b, err := json.Marshal(NewHeadPose(pose.Identity()))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string][][]float64
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("head_pose should be a nested list: %v", err)
	}
	if len(raw["head_pose"]) != 4 || len(raw["head_pose"][3]) != 4 {
		t.Errorf("head_pose = %v, want 4x4", raw["head_pose"])
	}
}

func TestTopics(t *testing.T) {
	topics := NewTopics("")
	if got := topics.Command(); got != "reachy_mini/command" {
		t.Errorf("Command() = %q", got)
	}
	topics = NewTopics("robot_b")
	tests := map[string]string{
		topics.JointPositions(): "robot_b/joint_positions",
		topics.HeadPose():       "robot_b/head_pose",
		topics.DaemonStatus():   "robot_b/daemon_status",
		topics.Task():           "robot_b/task",
		topics.TaskProgress():   "robot_b/task_progress",
		topics.RecordedData():   "robot_b/recorded_data",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("topic = %q, want %q", got, want)
		}
	}
}
