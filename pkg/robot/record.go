package robot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
	"github.com/teslashibe/go-reachy-daemon/pkg/motion"
)

// DefaultRecordPeriod is the sampling period of Record.
const DefaultRecordPeriod = 10 * time.Millisecond

// Record samples the present head pose and joints for d and buffers them
// on the daemon as set_target_record entries. It returns the records the
// daemon publishes when the recording stops.
func (c *Client) Record(ctx context.Context, d, period time.Duration) ([]backend.Record, error) {
	if period <= 0 {
		period = DefaultRecordPeriod
	}
	if err := c.StartRecording(); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	timer := time.NewTimer(d)
	defer timer.Stop()

	start := time.Now()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timer.C:
			break loop
		case now := <-ticker.C:
			r, ok := c.sample(now.Sub(start))
			if !ok {
				continue
			}
			if err := c.AppendRecord(r); err != nil {
				return nil, err
			}
		}
	}

	// Stop even when ctx is done so the daemon leaves recording mode.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	records, err := c.StopRecording(stopCtx)
	if err != nil {
		return nil, err
	}
	return records, ctx.Err()
}

func (c *Client) sample(at time.Duration) (backend.Record, bool) {
	head, ok := c.HeadPose()
	if !ok {
		return nil, false
	}
	joints, antennas, ok := c.JointPositions()
	if !ok {
		return nil, false
	}
	return backend.Record{
		"time":     at.Seconds(),
		"head":     head,
		"antennas": antennas,
		"body_yaw": joints[0],
	}, true
}

// ToRecordedData turns records made by Record into a recorded move that
// the motion library can load.
func ToRecordedData(description string, records []backend.Record) (motion.RecordedData, error) {
	data := motion.RecordedData{Description: description}
	for i, r := range records {
		raw, err := json.Marshal(r)
		if err != nil {
			return data, fmt.Errorf("record %d: %w", i, err)
		}
		var entry struct {
			Time *float64 `json:"time"`
			motion.Frame
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return data, fmt.Errorf("record %d: %w", i, err)
		}
		if entry.Time == nil {
			return data, fmt.Errorf("record %d: missing time", i)
		}
		data.Time = append(data.Time, *entry.Time)
		data.SetTargetData = append(data.SetTargetData, entry.Frame)
	}
	return data, nil
}
