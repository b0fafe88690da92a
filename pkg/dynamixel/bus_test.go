package dynamixel

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServos emulates motors behind a port. Every instruction written is
// decoded, applied to per-id register tables and answered.
type fakeServos struct {
	mu      sync.Mutex
	regs    map[uint8]*[256]byte
	pending []byte
	writes  []Packet
	closed  bool

	// drop swallows the next n replies.
	drop int
	// corrupt flips the CRC of the next n replies.
	corrupt int
	// code is the status error byte per id.
	code map[uint8]byte
	// noise is sent before each reply.
	noise []byte
}

func newFakeServos(ids ...uint8) *fakeServos {
	f := &fakeServos{regs: make(map[uint8]*[256]byte), code: make(map[uint8]byte)}
	for _, id := range ids {
		f.regs[id] = &[256]byte{}
	}
	return f
}

func (f *fakeServos) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.EOF
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeServos) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	pkt, err := Decode(p)
	if err != nil {
		return 0, err
	}
	f.writes = append(f.writes, pkt)

	addr := func() uint16 { return binary.LittleEndian.Uint16(pkt.Params[0:2]) }
	switch pkt.Instruction {
	case InstPing:
		if _, ok := f.regs[pkt.ID]; ok {
			f.reply(pkt.ID, []byte{0x06, 0x04, 0x26})
		}
	case InstRead:
		length := int(binary.LittleEndian.Uint16(pkt.Params[2:4]))
		if r, ok := f.regs[pkt.ID]; ok {
			f.reply(pkt.ID, append([]byte(nil), r[addr():int(addr())+length]...))
		}
	case InstWrite:
		if r, ok := f.regs[pkt.ID]; ok {
			copy(r[addr():], pkt.Params[2:])
			f.reply(pkt.ID, nil)
		}
	case InstSyncRead:
		length := int(binary.LittleEndian.Uint16(pkt.Params[2:4]))
		for _, id := range pkt.Params[4:] {
			if r, ok := f.regs[id]; ok {
				f.reply(id, append([]byte(nil), r[addr():int(addr())+length]...))
			}
		}
	case InstSyncWrite:
		length := int(binary.LittleEndian.Uint16(pkt.Params[2:4]))
		for rest := pkt.Params[4:]; len(rest) >= length+1; rest = rest[length+1:] {
			if r, ok := f.regs[rest[0]]; ok {
				copy(r[addr():], rest[1:length+1])
			}
		}
	}
	return len(p), nil
}

func (f *fakeServos) reply(id uint8, data []byte) {
	if f.drop > 0 {
		f.drop--
		return
	}
	wire := Packet{ID: id, Instruction: InstStatus, Params: append([]byte{f.code[id]}, data...)}.Encode()
	if f.corrupt > 0 {
		f.corrupt--
		wire[len(wire)-1] ^= 0xFF
	}
	f.pending = append(f.pending, f.noise...)
	f.pending = append(f.pending, wire...)
}

func (f *fakeServos) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeServos) set(id uint8, addr uint16, data ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.regs[id][addr:], data)
}

func (f *fakeServos) get(id uint8, addr uint16, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.regs[id][addr:int(addr)+n]...)
}

func (f *fakeServos) instructions() []Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Packet(nil), f.writes...)
}

func testBus(f *fakeServos) *Bus {
	cfg := DefaultBusConfig()
	cfg.Timeout = 5 * time.Millisecond
	cfg.Retries = 2
	return NewBus(f, cfg, nil)
}

func TestBusPingAndRead(t *testing.T) {
	f := newFakeServos(1, 2)
	f.set(2, AddrPresentPosition, 0x00, 0x08, 0x00, 0x00)
	b := testBus(f)

	model, err := b.Ping(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0406), model)

	got, err := b.Read(2, AddrPresentPosition, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x08, 0x00, 0x00}, got)
}

func TestBusSyncReadAndWrite(t *testing.T) {
	f := newFakeServos(1, 2, 3)
	b := testBus(f)

	require.NoError(t, b.SyncWrite(AddrTorqueEnable, 1, []uint8{1, 3}, [][]byte{{1}, {1}}))
	got, err := b.SyncRead([]uint8{1, 2, 3}, AddrTorqueEnable, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1}, {0}, {1}}, got)
}

func TestBusSkipsNoise(t *testing.T) {
	f := newFakeServos(1)
	f.noise = []byte{0x00, 0xFF, 0x12, 0xFF, 0xFF}
	b := testBus(f)

	_, err := b.Ping(1)
	require.NoError(t, err)
}

func TestBusRetriesTransportErrors(t *testing.T) {
	f := newFakeServos(1)
	f.drop = 1
	f.corrupt = 1
	b := testBus(f)

	_, err := b.Ping(1)
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, int64(2), stats["retries"])
	assert.Equal(t, int64(1), stats["timeouts"])
	assert.Equal(t, int64(1), stats["crc_errors"])
	assert.Equal(t, int64(0), stats["failures"])
	assert.Len(t, f.instructions(), 3)
}

func TestBusGivesUpAfterRetries(t *testing.T) {
	f := newFakeServos(1)
	b := testBus(f)

	_, err := b.Ping(9)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, f.instructions(), 3)
	assert.Equal(t, int64(1), b.Stats()["failures"])
}

func TestBusStatusErrorIsNotRetried(t *testing.T) {
	f := newFakeServos(1)
	f.code[1] = 7
	b := testBus(f)

	err := b.Write(1, AddrOperatingMode, []byte{3})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, byte(7), se.Code)
	assert.Len(t, f.instructions(), 1)
}

func TestBusAlertDoesNotFail(t *testing.T) {
	f := newFakeServos(1)
	f.code[1] = alertBit
	b := testBus(f)

	_, err := b.Read(1, AddrHardwareError, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Stats()["alerts"])
}

func TestBusRaw(t *testing.T) {
	f := newFakeServos(1)
	b := testBus(f)

	raw, err := b.Raw(PingPacket(1).Encode())
	require.NoError(t, err)
	st, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, InstStatus, st.Instruction)

	p, err := SyncWritePacket(AddrTorqueEnable, 1, []uint8{1}, [][]byte{{1}})
	require.NoError(t, err)
	raw, err = b.Raw(p.Encode())
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, []byte{1}, f.get(1, AddrTorqueEnable, 1))

	_, err = b.Raw([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestBusClosed(t *testing.T) {
	b := testBus(newFakeServos(1))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err := b.Ping(1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBusConfigValidate(t *testing.T) {
	require.NoError(t, DefaultBusConfig().Validate())

	cfg := DefaultBusConfig()
	cfg.Baudrate = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultBusConfig()
	cfg.Timeout = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultBusConfig()
	cfg.Retries = -1
	assert.Error(t, cfg.Validate())
}
