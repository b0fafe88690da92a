package kinematics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
)

// Feature maps applied to a network's input before its first layer.
const (
	FeaturesIdentity = "identity"
	FeaturesPoly2    = "poly2"
)

// Layer activations.
const (
	ActivationLinear = "linear"
	ActivationTanh   = "tanh"
	ActivationReLU   = "relu"
)

// Layer is a dense layer: out = act(W·in + b), W has one row per output.
type Layer struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// Network is a feature map followed by a stack of dense layers.
type Network struct {
	Features string  `json:"features"`
	Layers   []Layer `json:"layers"`
}

// LearnedModel holds both directions. Both networks work in the body
// frame: IK maps [x y z roll pitch yaw] to the six platform joints, FK maps
// the six platform joints back to [x y z roll pitch yaw].
type LearnedModel struct {
	IK Network `json:"ik"`
	FK Network `json:"fk"`
}

// Learned evaluates a LearnedModel. It never iterates and does not enforce
// the loop closure, so its answers are approximate.
type Learned struct {
	model *LearnedModel
}

// NewLearned validates model and wraps it as an Engine.
func NewLearned(model *LearnedModel) (*Learned, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil model", ErrBadModel)
	}
	if err := model.IK.validate(6, 6); err != nil {
		return nil, fmt.Errorf("ik network: %w", err)
	}
	if err := model.FK.validate(6, 6); err != nil {
		return nil, fmt.Errorf("fk network: %w", err)
	}
	return &Learned{model: model}, nil
}

// LoadLearned reads a JSON model file.
func LoadLearned(path string) (*Learned, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open learned model: %w", err)
	}
	defer f.Close()
	return LoadLearnedReader(f)
}

// LoadLearnedReader reads a JSON model.
func LoadLearnedReader(r io.Reader) (*Learned, error) {
	var m LearnedModel
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModel, err)
	}
	return NewLearned(&m)
}

// Save writes the model as JSON.
func (m *LearnedModel) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// Name implements Engine.
func (l *Learned) Name() string { return EngineLearned }

// SetAutomaticBodyYaw implements Engine. The model has no notion of body
// yaw limits, so this is a no-op.
func (l *Learned) SetAutomaticBodyYaw(bool) {}

// Inverse implements Engine. The pose is expressed in the frame of the body
// turned by bodyYaw before inference, and bodyYaw is passed through as the
// first joint.
func (l *Learned) Inverse(p pose.Pose, bodyYaw float64) (HeadJoints, error) {
	unyaw := pose.RotZ(-bodyYaw)
	local := pose.New(unyaw.Mul(p.Rotation()), unyaw.Apply(p.Translation()))

	out := l.model.IK.infer(poseInput(local))
	var theta [6]float64
	copy(theta[:], out)
	return joints(bodyYaw, theta), nil
}

// Forward implements Engine.
func (l *Learned) Forward(j HeadJoints) (pose.Pose, error) {
	theta := j.Platform()
	out := l.model.FK.infer(theta[:])
	local := pose.FromXYZRPY(out[0], out[1], out[2], out[3], out[4], out[5])

	yaw := pose.RotZ(j.BodyYaw())
	return pose.New(yaw.Mul(local.Rotation()), yaw.Apply(local.Translation())), nil
}

func poseInput(p pose.Pose) []float64 {
	t := p.Translation()
	roll, pitch, yaw := p.Rotation().EulerXYZ()
	return []float64{t.X, t.Y, t.Z, roll, pitch, yaw}
}

func (n Network) validate(in, out int) error {
	if len(n.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrBadModel)
	}
	width, err := featureWidth(n.Features, in)
	if err != nil {
		return err
	}
	for i, layer := range n.Layers {
		if len(layer.Weights) == 0 || len(layer.Weights) != len(layer.Bias) {
			return fmt.Errorf("%w: layer %d has %d weight rows and %d biases", ErrBadModel, i, len(layer.Weights), len(layer.Bias))
		}
		for _, row := range layer.Weights {
			if len(row) != width {
				return fmt.Errorf("%w: layer %d expects %d inputs, row has %d", ErrBadModel, i, width, len(row))
			}
		}
		switch layer.Activation {
		case "", ActivationLinear, ActivationTanh, ActivationReLU:
		default:
			return fmt.Errorf("%w: layer %d activation %q", ErrBadModel, i, layer.Activation)
		}
		width = len(layer.Weights)
	}
	if width != out {
		return fmt.Errorf("%w: network outputs %d values, want %d", ErrBadModel, width, out)
	}
	return nil
}

func (n Network) infer(in []float64) []float64 {
	x := features(n.Features, in)
	for _, layer := range n.Layers {
		next := make([]float64, len(layer.Weights))
		for i, row := range layer.Weights {
			v := layer.Bias[i]
			for k, w := range row {
				v += w * x[k]
			}
			switch layer.Activation {
			case ActivationTanh:
				v = math.Tanh(v)
			case ActivationReLU:
				v = math.Max(0, v)
			}
			next[i] = v
		}
		x = next
	}
	return x
}

func featureWidth(kind string, in int) (int, error) {
	switch kind {
	case "", FeaturesIdentity:
		return in, nil
	case FeaturesPoly2:
		return in + in*(in+1)/2, nil
	}
	return 0, fmt.Errorf("%w: feature map %q", ErrBadModel, kind)
}

// features expands v. poly2 appends every product v_i·v_j with i ≤ j.
func features(kind string, v []float64) []float64 {
	if kind != FeaturesPoly2 {
		return v
	}
	out := append([]float64(nil), v...)
	for i := range v {
		for j := i; j < len(v); j++ {
			out = append(out, v[i]*v[j])
		}
	}
	return out
}

// Sample is one training pair: a world head pose at zero body yaw and the
// joints reaching it.
type Sample struct {
	Pose   pose.Pose
	Joints HeadJoints
}

// TrainingSamples draws n random poses within ±0.2 rad and ±1 cm of
// neutral and solves them with e at zero body yaw. Unreachable poses are
// skipped.
func TrainingSamples(e Engine, n int, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	u := func(r float64) float64 { return (rng.Float64()*2 - 1) * r }

	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		p := pose.FromXYZRPY(u(0.01), u(0.01), u(0.01), u(0.2), u(0.2), u(0.2))
		j, err := e.Inverse(p, 0)
		if err != nil {
			continue
		}
		out = append(out, Sample{Pose: p, Joints: j})
	}
	return out
}

// FitLearned trains a single linear layer per direction by least squares
// over the given feature map.
func FitLearned(samples []Sample, featureMap string) (*LearnedModel, error) {
	if _, err := featureWidth(featureMap, 6); err != nil {
		return nil, err
	}
	poses := make([][]float64, len(samples))
	thetas := make([][]float64, len(samples))
	for i, s := range samples {
		poses[i] = poseInput(s.Pose)
		theta := s.Joints.Platform()
		thetas[i] = theta[:]
	}

	ik, err := fitLayer(poses, thetas, featureMap)
	if err != nil {
		return nil, fmt.Errorf("fit ik: %w", err)
	}
	fk, err := fitLayer(thetas, poses, featureMap)
	if err != nil {
		return nil, fmt.Errorf("fit fk: %w", err)
	}
	return &LearnedModel{
		IK: Network{Features: featureMap, Layers: []Layer{ik}},
		FK: Network{Features: featureMap, Layers: []Layer{fk}},
	}, nil
}

func fitLayer(in, out [][]float64, featureMap string) (Layer, error) {
	rows := len(in)
	if rows == 0 {
		return Layer{}, fmt.Errorf("%w: no samples", ErrBadModel)
	}
	width := len(features(featureMap, in[0]))
	if rows <= width {
		return Layer{}, fmt.Errorf("%w: %d samples for %d features", ErrBadModel, rows, width)
	}

	// The last design column is the intercept.
	a := mat.NewDense(rows, width+1, nil)
	b := mat.NewDense(rows, len(out[0]), nil)
	for i := range in {
		for k, v := range features(featureMap, in[i]) {
			a.Set(i, k, v)
		}
		a.Set(i, width, 1)
		for k, v := range out[i] {
			b.Set(i, k, v)
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	var coef mat.Dense
	if err := qr.SolveTo(&coef, false, b); err != nil {
		return Layer{}, fmt.Errorf("%w: least squares: %v", ErrBadModel, err)
	}

	layer := Layer{Activation: ActivationLinear}
	for o := 0; o < len(out[0]); o++ {
		row := make([]float64, width)
		for k := range row {
			row[k] = coef.At(k, o)
		}
		layer.Weights = append(layer.Weights, row)
		layer.Bias = append(layer.Bias, coef.At(width, o))
	}
	return layer, nil
}
