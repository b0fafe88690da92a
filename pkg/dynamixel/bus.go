package dynamixel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Port is the byte stream under a bus. go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriteCloser
}

type inputResetter interface {
	ResetInputBuffer() error
}

// BusConfig configures a serial bus.
type BusConfig struct {
	// Port is the serial device, e.g. /dev/ttyACM0.
	Port string `yaml:"port" json:"port"`

	// Baudrate of the bus. Reachy motors ship at 1 Mbps.
	Baudrate int `yaml:"baudrate" json:"baudrate"`

	// Timeout is the base status timeout. Transfer time at Baudrate is
	// added per exchange.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Retries is how many times a failed exchange is repeated.
	Retries int `yaml:"retries" json:"retries"`
}

// DefaultBusConfig returns the settings used by the Reachy head.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Baudrate: 1_000_000,
		Timeout:  10 * time.Millisecond,
		Retries:  5,
	}
}

// Validate checks the config.
func (c BusConfig) Validate() error {
	if c.Baudrate <= 0 {
		return fmt.Errorf("dynamixel: baudrate must be positive, got %d", c.Baudrate)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("dynamixel: timeout must be positive, got %v", c.Timeout)
	}
	if c.Retries < 0 {
		return fmt.Errorf("dynamixel: retries must not be negative, got %d", c.Retries)
	}
	return nil
}

// Bus runs request/status exchanges on a half-duplex line. Exchanges
// are serialised; a Bus is safe for concurrent use.
type Bus struct {
	cfg    BusConfig
	logger *slog.Logger

	mu     sync.Mutex
	port   Port
	rx     []byte
	closed bool

	exchanges atomic.Int64
	failures  atomic.Int64
	timeouts  atomic.Int64
	crcErrors atomic.Int64
	retries   atomic.Int64
	alerts    atomic.Int64
}

// Open opens the serial device named in cfg.
func Open(cfg BusConfig, logger *slog.Logger) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baudrate})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Port, err)
	}
	return NewBus(port, cfg, logger), nil
}

// NewBus wraps an already open port.
func NewBus(port Port, cfg BusConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger.With("component", "dynamixel", "port", cfg.Port),
		port:   port,
	}
}

// Close closes the port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.port.Close()
}

// Stats returns exchange counters.
func (b *Bus) Stats() map[string]any {
	return map[string]any{
		"exchanges":  b.exchanges.Load(),
		"failures":   b.failures.Load(),
		"timeouts":   b.timeouts.Load(),
		"crc_errors": b.crcErrors.Load(),
		"retries":    b.retries.Load(),
		"alerts":     b.alerts.Load(),
	}
}

// Ping returns the model number of a motor.
func (b *Bus) Ping(id uint8) (uint16, error) {
	st, err := b.exchange(PingPacket(id), []uint8{id}, 3)
	if err != nil {
		return 0, err
	}
	if len(st[0]) < 2 {
		return 0, fmt.Errorf("%w: ping reply of %d bytes", ErrShortPacket, len(st[0]))
	}
	return binary.LittleEndian.Uint16(st[0]), nil
}

// Read reads length bytes at addr of one motor.
func (b *Bus) Read(id uint8, addr uint16, length int) ([]byte, error) {
	st, err := b.exchange(ReadPacket(id, addr, length), []uint8{id}, length)
	if err != nil {
		return nil, err
	}
	return checkLen(id, st[0], length)
}

// Write writes data at addr of one motor and waits for its status.
func (b *Bus) Write(id uint8, addr uint16, data []byte) error {
	_, err := b.exchange(WritePacket(id, addr, data), []uint8{id}, 0)
	return err
}

// SyncRead reads the same register of several motors, in ids order.
func (b *Bus) SyncRead(ids []uint8, addr uint16, length int) ([][]byte, error) {
	st, err := b.exchange(SyncReadPacket(ids, addr, length), ids, length)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		if _, err := checkLen(id, st[i], length); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// SyncWrite writes one register of several motors. Motors do not answer
// a sync write.
func (b *Bus) SyncWrite(addr uint16, length int, ids []uint8, data [][]byte) error {
	p, err := SyncWritePacket(addr, length, ids, data)
	if err != nil {
		return err
	}
	_, err = b.exchange(p, nil, 0)
	return err
}

// Raw sends an encoded packet as is and returns the raw status bytes, or
// nil for a broadcast.
func (b *Bus) Raw(packet []byte) ([]byte, error) {
	req, err := Decode(packet)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.exchanges.Add(1)
	b.resetInput()
	if _, err := b.port.Write(packet); err != nil {
		b.failures.Add(1)
		return nil, err
	}
	if req.ID == BroadcastID {
		return nil, nil
	}
	raw, _, err := b.nextPacket(b.deadline(len(packet), 0))
	if err != nil {
		b.failures.Add(1)
		return nil, err
	}
	return raw, nil
}

// exchange sends p and collects one status per id in replies, retrying
// transport failures. Status error bytes are not retried.
func (b *Bus) exchange(p Packet, replies []uint8, dataLen int) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	wire := p.Encode()
	var err error
	for attempt := 0; attempt <= b.cfg.Retries; attempt++ {
		if attempt > 0 {
			b.retries.Add(1)
		}
		b.exchanges.Add(1)

		var data [][]byte
		data, err = b.once(wire, replies, dataLen)
		if err == nil {
			return data, nil
		}
		var se *StatusError
		if errors.As(err, &se) {
			break
		}
		switch {
		case errors.Is(err, ErrTimeout):
			b.timeouts.Add(1)
		case errors.Is(err, ErrCRC):
			b.crcErrors.Add(1)
		}
	}
	b.failures.Add(1)
	return nil, err
}

func (b *Bus) once(wire []byte, replies []uint8, dataLen int) ([][]byte, error) {
	b.resetInput()
	if _, err := b.port.Write(wire); err != nil {
		return nil, fmt.Errorf("write packet: %w", err)
	}
	if len(replies) == 0 {
		return nil, nil
	}

	deadline := b.deadline(len(wire), len(replies)*(headerLen+4+dataLen))
	out := make([][]byte, len(replies))
	for i, id := range replies {
		_, st, err := b.nextPacket(deadline)
		if err != nil {
			return nil, err
		}
		if st.ID != id {
			return nil, fmt.Errorf("%w: want %d, got %d", ErrWrongID, id, st.ID)
		}
		code, data, err := st.Status()
		if err != nil {
			return nil, err
		}
		if code&alertBit != 0 {
			b.alerts.Add(1)
		}
		if code&^alertBit != 0 {
			return nil, &StatusError{ID: id, Code: code}
		}
		out[i] = data
	}
	return out, nil
}

// deadline allows the base timeout plus the transfer time of the request
// and the expected replies, at ten bits per byte.
func (b *Bus) deadline(sent, expected int) time.Time {
	transfer := time.Duration(float64(sent+expected) * 10 / float64(b.cfg.Baudrate) * float64(time.Second))
	return time.Now().Add(b.cfg.Timeout + transfer)
}

func (b *Bus) resetInput() {
	b.rx = b.rx[:0]
	if r, ok := b.port.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			b.logger.Debug("reset input buffer failed", "error", err)
		}
	}
}

// nextPacket returns the next complete packet on the line, dropping
// noise before a header.
func (b *Bus) nextPacket(deadline time.Time) ([]byte, Packet, error) {
	buf := make([]byte, 256)
	for {
		switch i := bytes.Index(b.rx, header[:]); {
		case i > 0:
			b.rx = b.rx[i:]
		case i < 0 && len(b.rx) > len(header)-1:
			b.rx = b.rx[len(b.rx)-(len(header)-1):]
		}
		if len(b.rx) >= headerLen && bytes.HasPrefix(b.rx, header[:]) {
			total := headerLen + int(binary.LittleEndian.Uint16(b.rx[5:7]))
			if len(b.rx) >= total {
				raw := append([]byte(nil), b.rx[:total]...)
				b.rx = b.rx[total:]
				p, err := Decode(raw)
				return raw, p, err
			}
		}

		if time.Now().After(deadline) {
			return nil, Packet{}, ErrTimeout
		}
		n, err := b.port.Read(buf)
		if err != nil {
			return nil, Packet{}, fmt.Errorf("read status: %w", err)
		}
		b.rx = append(b.rx, buf[:n]...)
	}
}

func checkLen(id uint8, data []byte, length int) ([]byte, error) {
	if len(data) < length {
		return nil, fmt.Errorf("%w: motor %d sent %d bytes, want %d", ErrShortPacket, id, len(data), length)
	}
	return data[:length], nil
}
