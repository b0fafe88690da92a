package dynamixel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout means a motor did not answer within the read timeout.
	ErrTimeout = errors.New("dynamixel: status timeout")

	// ErrCRC means a status packet failed its checksum.
	ErrCRC = errors.New("dynamixel: crc mismatch")

	// ErrBadHeader means the bytes read do not start a packet.
	ErrBadHeader = errors.New("dynamixel: bad packet header")

	// ErrShortPacket means a packet is truncated.
	ErrShortPacket = errors.New("dynamixel: short packet")

	// ErrNotStatus means a status was expected and something else arrived.
	ErrNotStatus = errors.New("dynamixel: not a status packet")

	// ErrWrongID means a status came back from a different motor.
	ErrWrongID = errors.New("dynamixel: status from unexpected id")

	// ErrClosed means the bus was closed.
	ErrClosed = errors.New("dynamixel: bus closed")

	// ErrUnknownMotor means a motor name is missing from the hardware
	// config.
	ErrUnknownMotor = errors.New("dynamixel: unknown motor")
)

// alertBit flags a latched hardware error. It does not fail the exchange.
const alertBit byte = 0x80

var statusErrors = map[byte]string{
	1: "result fail",
	2: "instruction error",
	3: "crc error",
	4: "data range error",
	5: "data length error",
	6: "data limit error",
	7: "access error",
}

// StatusError is a non-zero error byte in a status packet.
type StatusError struct {
	ID   uint8
	Code byte
}

func (e *StatusError) Error() string {
	parts := []string{}
	if msg, ok := statusErrors[e.Code&^alertBit]; ok {
		parts = append(parts, msg)
	} else if e.Code&^alertBit != 0 {
		parts = append(parts, fmt.Sprintf("error %d", e.Code&^alertBit))
	}
	if e.Code&alertBit != 0 {
		parts = append(parts, "hardware alert")
	}
	return fmt.Sprintf("dynamixel: motor %d: %s", e.ID, strings.Join(parts, ", "))
}
