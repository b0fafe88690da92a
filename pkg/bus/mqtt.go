package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	// URL is mqtt://[user[:pass]@]host:port[?client-id=id]. The schemes
	// tcp, ssl, ws and wss are passed to paho as is.
	URL            string        `yaml:"url" json:"url"`
	QoS            byte          `yaml:"qos" json:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout"`
}

// DefaultMQTTConfig targets a broker on localhost.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		URL:            "mqtt://localhost:1883",
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// Validate checks the configuration.
func (c MQTTConfig) Validate() error {
	if c.URL == "" {
		return errors.New("mqtt: url is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.ConnectTimeout <= 0 || c.PublishTimeout <= 0 {
		return errors.New("mqtt: timeouts must be positive")
	}
	return nil
}

// ClientOptionsFromURL builds paho options from a broker URL.
func ClientOptionsFromURL(serverURL string) (*paho.ClientOptions, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: parse url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mqtt: url %q has no host", serverURL)
	}
	scheme := u.Scheme
	if scheme == "" || scheme == "mqtt" {
		scheme = "tcp"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(scheme + "://" + u.Host).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	clientID := u.Query().Get("client-id")
	if clientID == "" {
		clientID = "reachy-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)
	return opts, nil
}

// MQTT is a Bus over an MQTT broker.
type MQTT struct {
	client paho.Client
	cfg    MQTTConfig
	logger *slog.Logger
	reg    registry
	closed atomic.Bool

	published atomic.Uint64
	received  atomic.Uint64
	failures  atomic.Uint64
}

var _ Bus = (*MQTT)(nil)

// DialMQTT connects to the broker. A nil logger uses slog.Default().
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := ClientOptionsFromURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	m := &MQTT{cfg: cfg, logger: logger.With("component", "bus", "transport", "mqtt")}
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		m.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	})
	m.client = paho.NewClient(opts)

	m.logger.Info("connecting to mqtt broker", "url", redact(cfg.URL), "client_id", opts.ClientID)
	token := m.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		m.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %s: timeout", redact(cfg.URL))
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", redact(cfg.URL), err)
	}
	return m, nil
}

// Publish implements Bus.
func (m *MQTT) Publish(topic string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		m.failures.Add(1)
		return fmt.Errorf("mqtt: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		m.failures.Add(1)
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	m.published.Add(1)
	return nil
}

// Subscribe implements Bus. The broker subscription is made for the first
// handler of a pattern and dropped with the last.
func (m *MQTT) Subscribe(topic string, h Handler) (Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	sub, first := m.reg.add(topic, h)
	sub.onLast = m.unsubscribe
	if first {
		token := m.client.Subscribe(topic, m.cfg.QoS, m.onMessage)
		if err := m.wait(token, "subscribe "+topic); err != nil {
			m.reg.remove(sub)
			return nil, err
		}
		m.logger.Debug("subscribed", "topic", topic)
	}
	return sub, nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.reg.clear()
	m.client.Disconnect(250)
	return nil
}

// Stats returns message counters.
func (m *MQTT) Stats() map[string]uint64 {
	return map[string]uint64{
		"published": m.published.Load(),
		"received":  m.received.Load(),
		"failures":  m.failures.Load(),
	}
}

func (m *MQTT) unsubscribe(topic string) error {
	if m.closed.Load() {
		return nil
	}
	return m.wait(m.client.Unsubscribe(topic), "unsubscribe "+topic)
}

func (m *MQTT) onMessage(_ paho.Client, msg paho.Message) {
	m.received.Add(1)
	m.reg.dispatch(msg.Topic(), msg.Payload())
}

// onConnect restores subscriptions after a reconnect.
func (m *MQTT) onConnect(c paho.Client) {
	m.logger.Info("mqtt connection established")
	patterns := m.reg.patterns()
	if len(patterns) == 0 {
		return
	}
	filters := make(map[string]byte, len(patterns))
	for _, p := range patterns {
		filters[p] = m.cfg.QoS
	}
	c.SubscribeMultiple(filters, m.onMessage)
}

func (m *MQTT) wait(token paho.Token, what string) error {
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("mqtt: %s: timeout", what)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: %s: %w", what, err)
	}
	return nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
