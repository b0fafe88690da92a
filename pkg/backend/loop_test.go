package backend

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLoop_KeepsMinSleepOnOverrun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const (
		work     = 4 * time.Millisecond
		minSleep = 3 * time.Millisecond
	)
	var starts []time.Time
	err := runLoop(ctx, time.Millisecond, minSleep, slog.Default(), func(now time.Time) error {
		starts = append(starts, now)
		time.Sleep(work)
		if len(starts) == 5 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, starts, 5)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), work+minSleep, "tick %d", i)
	}
}

func TestMockup_RunsAtConfiguredFrequency(t *testing.T) {
	m := newMockup(t)
	pub := &recorder{}
	m.SetPublisher(pub)
	running(t, m)

	before := pub.jointCount()
	time.Sleep(200 * time.Millisecond)
	ticks := pub.jointCount() - before
	// 50 Hz over 200ms, with room for scheduling jitter.
	assert.Greater(t, ticks, 3)
	assert.Less(t, ticks, 25)
}
