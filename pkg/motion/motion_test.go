package motion

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/trajectory"
)

func ptr[T any](v T) *T { return &v }

func TestGotoEndpointsExact(t *testing.T) {
	startPose := pose.FromXYZRPY(0, 0, 0.01, 0.1, 0, 0)
	targetPose := pose.FromXYZRPY(0.01, 0, 0, 0, -0.2, 0.3)
	start := GotoEndpoint{Head: &startPose, Antennas: &kinematics.Antennas{0.1, -0.1}, BodyYaw: ptr(0.0)}
	target := GotoEndpoint{Head: &targetPose, Antennas: &kinematics.Antennas{1, -1}, BodyYaw: ptr(0.4)}

	for _, m := range trajectory.Methods() {
		g, err := NewGotoMove(start, target, 2*time.Second, m)
		if err != nil {
			t.Fatalf("%s: NewGotoMove: %v", m, err)
		}

		s0, err := g.Evaluate(0)
		if err != nil {
			t.Fatalf("%s: Evaluate(0): %v", m, err)
		}
		if *s0.Head != startPose || *s0.Antennas != *start.Antennas || *s0.BodyYaw != 0 {
			t.Errorf("%s: Evaluate(0) = %+v, want start", m, s0)
		}

		s1, err := g.Evaluate(2 * time.Second)
		if err != nil {
			t.Fatalf("%s: Evaluate(d): %v", m, err)
		}
		if *s1.Head != targetPose || *s1.Antennas != *target.Antennas || *s1.BodyYaw != 0.4 {
			t.Errorf("%s: Evaluate(d) = %+v, want target", m, s1)
		}
	}
}

func TestGotoNilTargetHoldsStart(t *testing.T) {
	startPose := pose.FromXYZRPY(0, 0, 0, 0.2, 0, 0)
	start := GotoEndpoint{Head: &startPose, Antennas: &kinematics.Antennas{0.5, 0.5}, BodyYaw: ptr(0.1)}
	target := GotoEndpoint{Antennas: &kinematics.Antennas{0, 0}}

	g, err := NewGotoMove(start, target, time.Second, trajectory.Linear)
	if err != nil {
		t.Fatalf("NewGotoMove: %v", err)
	}
	s, err := g.Evaluate(500 * time.Millisecond)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !s.Head.ApproxEqual(startPose, 1e-12) {
		t.Errorf("head moved: %v", s.Head)
	}
	if *s.BodyYaw != 0.1 {
		t.Errorf("body yaw = %v, want 0.1", *s.BodyYaw)
	}
	if math.Abs(s.Antennas[0]-0.25) > 1e-12 {
		t.Errorf("antenna = %v, want 0.25 halfway", s.Antennas[0])
	}
}

func TestGotoValidation(t *testing.T) {
	p := pose.Identity()
	ep := GotoEndpoint{Head: &p}

	if _, err := NewGotoMove(ep, ep, 0, trajectory.MinJerk); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("zero duration: got %v, want ErrInvalidDuration", err)
	}
	if _, err := NewGotoMove(ep, ep, time.Second, "wobble"); !errors.Is(err, trajectory.ErrUnknownMethod) {
		t.Errorf("bad method: got %v, want ErrUnknownMethod", err)
	}

	skewed := pose.Identity()
	skewed[0][1] = 0.3
	if _, err := NewGotoMove(ep, GotoEndpoint{Head: &skewed}, time.Second, trajectory.MinJerk); !errors.Is(err, pose.ErrNotOrthonormal) {
		t.Errorf("skewed target: got %v, want ErrNotOrthonormal", err)
	}

	g, err := NewGotoMove(ep, ep, time.Second, "")
	if err != nil {
		t.Fatalf("NewGotoMove: %v", err)
	}
	if g.Method() != trajectory.Default {
		t.Errorf("method = %v, want default", g.Method())
	}
	if _, err := g.Evaluate(1500 * time.Millisecond); !errors.Is(err, trajectory.ErrOutOfRange) {
		t.Errorf("past the end: got %v, want ErrOutOfRange", err)
	}
}

func recordedFixture() RecordedData {
	frame := func(pitch, antenna float64, yaw *float64) Frame {
		return Frame{Head: pose.FromXYZRPY(0, 0, 0, 0, pitch, 0), Antennas: [2]float64{antenna, -antenna}, BodyYaw: yaw}
	}
	return RecordedData{
		Description: "fixture",
		Time:        []float64{0, 0.1, 0.2, 0.2, 0.4},
		SetTargetData: []Frame{
			frame(0, 0, ptr(0.0)),
			frame(0.1, 0.2, ptr(0.2)),
			frame(0.2, 0.4, nil),
			frame(0.3, 0.6, nil),
			frame(0.4, 0.8, ptr(0.4)),
		},
	}
}

func TestRecordedBracketing(t *testing.T) {
	m, err := NewRecorded("fixture", recordedFixture(), "")
	if err != nil {
		t.Fatalf("NewRecorded: %v", err)
	}

	if got, want := m.Duration(), 400*time.Millisecond; got < want-time.Microsecond || got > want+time.Microsecond {
		t.Errorf("Duration = %v, want %v", got, want)
	}

	tests := []struct {
		at      time.Duration
		antenna float64
		yaw     float64
	}{
		{0, 0, 0},
		{50 * time.Millisecond, 0.1, 0.1},
		{100 * time.Millisecond, 0.2, 0.2},
		{150 * time.Millisecond, 0.3, 0.1},
		// Duplicate timestamps at 0.2: bisect-right lands on the later one.
		{200 * time.Millisecond, 0.6, 0},
		{300 * time.Millisecond, 0.7, 0.2},
	}
	for _, tt := range tests {
		s, err := m.Evaluate(tt.at)
		if err != nil {
			t.Fatalf("Evaluate(%v): %v", tt.at, err)
		}
		if math.Abs(s.Antennas[0]-tt.antenna) > 1e-9 {
			t.Errorf("Evaluate(%v) antenna = %v, want %v", tt.at, s.Antennas[0], tt.antenna)
		}
		if math.Abs(*s.BodyYaw-tt.yaw) > 1e-9 {
			t.Errorf("Evaluate(%v) yaw = %v, want %v", tt.at, *s.BodyYaw, tt.yaw)
		}
	}

	if _, err := m.Evaluate(400 * time.Millisecond); !errors.Is(err, ErrBeyondEnd) {
		t.Errorf("Evaluate(last) = %v, want ErrBeyondEnd", err)
	}
	if _, err := m.Evaluate(-time.Millisecond); !errors.Is(err, ErrBeforeStart) {
		t.Errorf("Evaluate(-1ms) = %v, want ErrBeforeStart", err)
	}
}

func TestRecordedValidation(t *testing.T) {
	bad := recordedFixture()
	bad.Time = bad.Time[:3]
	if _, err := NewRecorded("short", bad, ""); !errors.Is(err, ErrBadShape) {
		t.Errorf("mismatched lengths: got %v", err)
	}

	bad = recordedFixture()
	bad.Time[2] = 0.05
	if _, err := NewRecorded("decreasing", bad, ""); !errors.Is(err, ErrBadShape) {
		t.Errorf("decreasing time: got %v", err)
	}

	if _, err := ParseRecorded("junk", []byte(`{"time": "nope"}`), ""); !errors.Is(err, ErrBadShape) {
		t.Errorf("junk payload: got %v", err)
	}
}

func TestEmbeddedLibrary(t *testing.T) {
	lib, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded: %v", err)
	}
	if lib.Name() != DefaultLibrary {
		t.Errorf("name = %q", lib.Name())
	}
	for _, name := range []string{"yes1", "no1", "curious1", "sad1"} {
		m, err := lib.Get(name)
		if err != nil {
			t.Errorf("Get(%s): %v", name, err)
			continue
		}
		if m.Description() == "" || m.Duration() <= 0 {
			t.Errorf("%s: description %q duration %v", name, m.Description(), m.Duration())
		}
		if _, err := m.Evaluate(m.Duration() / 2); err != nil {
			t.Errorf("%s: Evaluate: %v", name, err)
		}
	}
	if _, err := lib.Get("dance_of_the_sugar_plum"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing move: got %v", err)
	}
}

func writeMove(t *testing.T, path string) {
	t.Helper()
	payload, err := json.Marshal(recordedFixture())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeMove(t, filepath.Join(dir, "wave.json"))
	writeMove(t, filepath.Join(dir, "data", "bow.json"))
	if err := os.WriteFile(filepath.Join(dir, "data", "bow.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	lib, err := LoadDir("custom", dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if got := lib.List(); len(got) != 2 || got[0] != "bow" || got[1] != "wave" {
		t.Fatalf("List = %v", got)
	}

	bow, _ := lib.Get("bow")
	if bow.SoundPath() != filepath.Join(dir, "data", "bow.wav") {
		t.Errorf("bow sound = %q", bow.SoundPath())
	}
	wave, _ := lib.Get("wave")
	if wave.SoundPath() != "" {
		t.Errorf("wave sound = %q, want none", wave.SoundPath())
	}

	if _, err := LoadDir("missing", filepath.Join(dir, "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestRegistryFind(t *testing.T) {
	embedded, err := Embedded()
	if err != nil {
		t.Fatal(err)
	}
	custom := NewLibrary("custom")
	yes, err := NewRecorded("yes1", recordedFixture(), "")
	if err != nil {
		t.Fatal(err)
	}
	custom.Add(yes)

	r := NewRegistry(embedded, custom)

	m, err := r.Find("custom/yes1")
	if err != nil || m.Description() != "fixture" {
		t.Errorf("qualified lookup = %v, %v", m, err)
	}
	m, err = r.Find("yes1")
	if err != nil || m.Description() == "fixture" {
		t.Errorf("bare lookup should hit the first library, got %v, %v", m, err)
	}
	m, err = r.Get("custom", "yes1")
	if err != nil || m.Description() != "fixture" {
		t.Errorf("Get(custom, yes1) = %v, %v", m, err)
	}
	if _, err := r.Find("nobody/nothing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown move: got %v", err)
	}
	if got := r.Libraries(); len(got) != 2 || got[0] != DefaultLibrary {
		t.Errorf("Libraries = %v", got)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(filepath.Join(t.TempDir(), "moves.db"))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	payload, err := json.Marshal(recordedFixture())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "dances", "shimmy", payload, "/tmp/shimmy.wav"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "dances", "broken", []byte(`{}`), ""); !errors.Is(err, ErrBadShape) {
		t.Errorf("invalid payload stored: %v", err)
	}

	m, err := store.Get(ctx, "dances", "shimmy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.SoundPath() != "/tmp/shimmy.wav" || m.Len() != 5 {
		t.Errorf("loaded %q with %d samples", m.SoundPath(), m.Len())
	}
	if _, err := store.Get(ctx, "dances", "tango"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing move: got %v", err)
	}

	r := NewRegistry()
	if err := store.LoadAll(ctx, r); err != nil {
		t.Fatalf("load all: %v", err)
	}
	if _, err := r.Find("dances/shimmy"); err != nil {
		t.Errorf("registry lookup: %v", err)
	}
}
