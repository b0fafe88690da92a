package bus

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-reachy-daemon/pkg/protocol"
)

func startServer(t *testing.T) *WebSocketServer {
	t.Helper()
	cfg := DefaultWebSocketConfig()
	cfg.Listen = "127.0.0.1:0"
	s, err := NewWebSocketServer(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func dialClient(t *testing.T, s *WebSocketServer) *WebSocketClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialWebSocket(ctx, s.URL(), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	return c
}

func TestWebSocketClientToServer(t *testing.T) {
	s := startServer(t)
	topics := protocol.NewTopics("")

	var rec recorder
	_, err := s.Subscribe(topics.Command(), rec.handle)
	require.NoError(t, err)

	c := dialClient(t, s)
	require.NoError(t, c.Publish(topics.Command(), []byte(`{"torque":true}`)))

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`reachy_mini/command={"torque":true}`}, rec.messages())
}

func TestWebSocketServerToClient(t *testing.T) {
	s := startServer(t)
	topics := protocol.NewTopics("")
	c := dialClient(t, s)

	var joints, all recorder
	_, err := c.Subscribe(topics.JointPositions(), joints.handle)
	require.NoError(t, err)
	_, err = c.Subscribe("reachy_mini/#", all.handle)
	require.NoError(t, err)

	var local recorder
	_, err = s.Subscribe(topics.HeadPose(), local.handle)
	require.NoError(t, err)

	require.NoError(t, s.Publish(topics.JointPositions(), []byte(`{"a":1}`)))
	require.NoError(t, s.Publish(topics.HeadPose(), []byte(`{"b":2}`)))

	require.Eventually(t, func() bool { return len(all.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`reachy_mini/joint_positions={"a":1}`}, joints.messages())
	assert.Equal(t, []string{`reachy_mini/head_pose={"b":2}`}, local.messages())
}

func TestWebSocketEnvelopeUsesShortType(t *testing.T) {
	s := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(s.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Publish("reachy_mini/daemon_status", []byte(`{"state":"running"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeDaemonStatus, msg.Type)
	assert.JSONEq(t, `{"state":"running"}`, string(msg.Data))
}

func TestWebSocketMalformedFrameIsCounted(t *testing.T) {
	s := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(s.URL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.Eventually(t, func() bool { return s.Stats()["malformed"] == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketPing(t *testing.T) {
	s := startServer(t)
	c := dialClient(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rtt, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestWebSocketClientClose(t *testing.T) {
	s := startServer(t)
	c := dialClient(t, s)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish("reachy_mini/command", nil), ErrClosed)
	assert.ErrorIs(t, c.Err(), ErrClosed)
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketServerClosed(t *testing.T) {
	s := startServer(t)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Publish("a", nil), ErrClosed)
	assert.ErrorIs(t, s.Start(), ErrClosed)
}

func TestDialInfersTransport(t *testing.T) {
	s := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := Dial(ctx, "", s.URL(), "", nil)
	require.NoError(t, err)
	defer b.Close()
	_, ok := b.(*WebSocketClient)
	assert.True(t, ok)
}
