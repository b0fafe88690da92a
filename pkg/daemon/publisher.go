package daemon

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/teslashibe/go-reachy-daemon/internal/log"
	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/bus"
	"github.com/teslashibe/go-reachy-daemon/pkg/kinematics"
	"github.com/teslashibe/go-reachy-daemon/pkg/pose"
	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
)

// busPublisher sends control loop output to the bus.
type busPublisher struct {
	bus      bus.Bus
	topics   *protocol.Topics
	logger   *slog.Logger
	throttle *log.Throttle
}

var _ backend.Publisher = (*busPublisher)(nil)

func newBusPublisher(b bus.Bus, topics *protocol.Topics, logger *slog.Logger) *busPublisher {
	return &busPublisher{bus: b, topics: topics, logger: logger, throttle: log.NewThrottle(5 * time.Second)}
}

func (p *busPublisher) PublishJoints(head kinematics.HeadJoints, antennas kinematics.Antennas) {
	p.publishJSON(p.topics.JointPositions(), protocol.NewJointPositions(head, antennas))
}

func (p *busPublisher) PublishHeadPose(h pose.Pose) {
	p.publishJSON(p.topics.HeadPose(), protocol.NewHeadPose(h))
}

func (p *busPublisher) PublishRecording(payload []byte) error {
	return p.bus.Publish(p.topics.RecordedData(), payload)
}

func (p *busPublisher) publishJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err == nil {
		err = p.bus.Publish(topic, payload)
	}
	if err != nil && p.throttle.Allow() {
		p.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}
