// Package dynamixel drives Dynamixel X-series servos over a half-duplex
// serial bus using protocol 2.0, and exposes the Reachy head motors as a
// backend.MotorController.
package dynamixel

import (
	"encoding/binary"
	"fmt"
)

// Instructions.
const (
	InstPing      byte = 0x01
	InstRead      byte = 0x02
	InstWrite     byte = 0x03
	InstSyncRead  byte = 0x82
	InstSyncWrite byte = 0x83
	InstStatus    byte = 0x55
)

// BroadcastID addresses every motor on the bus.
const BroadcastID uint8 = 0xFE

var header = [4]byte{0xFF, 0xFF, 0xFD, 0x00}

// headerLen covers the header, id and the two length bytes.
const headerLen = 7

var crcTable [256]uint16

func init() {
	for i := range crcTable {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x8005
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 is the protocol 2.0 checksum (CRC-16/BUYPASS).
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// Packet is a decoded instruction or status packet. For status packets
// Params starts with the error byte.
type Packet struct {
	ID          uint8
	Instruction byte
	Params      []byte
}

// Encode builds the wire form of p with byte stuffing and CRC.
func (p Packet) Encode() []byte {
	body := stuff(append([]byte{p.Instruction}, p.Params...))
	length := len(body) + 2

	out := make([]byte, 0, headerLen+length)
	out = append(out, header[:]...)
	out = append(out, p.ID)
	out = binary.LittleEndian.AppendUint16(out, uint16(length))
	out = append(out, body...)
	return binary.LittleEndian.AppendUint16(out, CRC16(out))
}

// Decode parses one complete packet. Trailing bytes are ignored.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < headerLen+3 {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(raw))
	}
	if [4]byte(raw[:4]) != header {
		return Packet{}, fmt.Errorf("%w: % x", ErrBadHeader, raw[:4])
	}
	length := int(binary.LittleEndian.Uint16(raw[5:7]))
	if length < 3 || len(raw) < headerLen+length {
		return Packet{}, fmt.Errorf("%w: length field %d, have %d bytes", ErrShortPacket, length, len(raw))
	}
	end := headerLen + length
	want := binary.LittleEndian.Uint16(raw[end-2 : end])
	if got := CRC16(raw[:end-2]); got != want {
		return Packet{}, fmt.Errorf("%w: got %#04x, packet says %#04x", ErrCRC, got, want)
	}
	body := unstuff(raw[headerLen : end-2])
	return Packet{ID: raw[4], Instruction: body[0], Params: body[1:]}, nil
}

// Status returns the status error byte and data of a status packet.
func (p Packet) Status() (byte, []byte, error) {
	if p.Instruction != InstStatus {
		return 0, nil, fmt.Errorf("%w: instruction %#02x", ErrNotStatus, p.Instruction)
	}
	if len(p.Params) == 0 {
		return 0, nil, fmt.Errorf("%w: missing error byte", ErrShortPacket)
	}
	return p.Params[0], p.Params[1:], nil
}

// stuff inserts 0xFD after every FF FF FD so the body never contains a
// header.
func stuff(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/3)
	for i, c := range b {
		out = append(out, c)
		if c == 0xFD && i >= 2 && b[i-1] == 0xFF && b[i-2] == 0xFF {
			out = append(out, 0xFD)
		}
	}
	return out
}

func unstuff(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		out = append(out, b[i])
		if b[i] == 0xFD && i >= 2 && b[i-1] == 0xFF && b[i-2] == 0xFF && i+1 < len(b) && b[i+1] == 0xFD {
			i++
		}
	}
	return out
}

// PingPacket builds a ping instruction.
func PingPacket(id uint8) Packet {
	return Packet{ID: id, Instruction: InstPing}
}

// ReadPacket builds a read of length bytes at addr.
func ReadPacket(id uint8, addr uint16, length int) Packet {
	params := binary.LittleEndian.AppendUint16(nil, addr)
	params = binary.LittleEndian.AppendUint16(params, uint16(length))
	return Packet{ID: id, Instruction: InstRead, Params: params}
}

// WritePacket builds a write of data at addr.
func WritePacket(id uint8, addr uint16, data []byte) Packet {
	params := binary.LittleEndian.AppendUint16(nil, addr)
	return Packet{ID: id, Instruction: InstWrite, Params: append(params, data...)}
}

// SyncReadPacket builds a broadcast read of the same register on ids.
func SyncReadPacket(ids []uint8, addr uint16, length int) Packet {
	params := binary.LittleEndian.AppendUint16(nil, addr)
	params = binary.LittleEndian.AppendUint16(params, uint16(length))
	return Packet{ID: BroadcastID, Instruction: InstSyncRead, Params: append(params, ids...)}
}

// SyncWritePacket builds a broadcast write. Every data slice must be
// length bytes long.
func SyncWritePacket(addr uint16, length int, ids []uint8, data [][]byte) (Packet, error) {
	if len(ids) != len(data) {
		return Packet{}, fmt.Errorf("sync write: %d ids for %d values", len(ids), len(data))
	}
	params := binary.LittleEndian.AppendUint16(nil, addr)
	params = binary.LittleEndian.AppendUint16(params, uint16(length))
	for i, id := range ids {
		if len(data[i]) != length {
			return Packet{}, fmt.Errorf("sync write: value for id %d is %d bytes, want %d", id, len(data[i]), length)
		}
		params = append(params, id)
		params = append(params, data[i]...)
	}
	return Packet{ID: BroadcastID, Instruction: InstSyncWrite, Params: params}, nil
}
