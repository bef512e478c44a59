package ws

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

// maxFramePayload guards against memory abuse from oversized client frames.
const maxFramePayload = 1 << 20

var (
	errFragmentedFrame = errors.New("fragmented frames unsupported")
	errUnmaskedFrame   = errors.New("client frames must be masked")
	errFrameTooLarge   = errors.New("frame exceeds payload limit")
)

// readFrame decodes one complete masked client frame and returns its opcode
// and unmasked payload.
func readFrame(conn net.Conn) (byte, []byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, err
	}
	opcode := header[0] & 0x0F
	if header[0]&0x80 == 0 {
		return 0, nil, errFragmentedFrame
	}
	if header[1]&0x80 == 0 {
		return 0, nil, errUnmaskedFrame
	}

	size, err := readPayloadLen(conn, header[1]&0x7F)
	if err != nil {
		return 0, nil, err
	}
	if size > maxFramePayload {
		return 0, nil, errFrameTooLarge
	}

	var mask [4]byte
	if _, err := io.ReadFull(conn, mask[:]); err != nil {
		return 0, nil, err
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= mask[i&3]
	}
	return opcode, payload, nil
}

func readPayloadLen(conn net.Conn, indicator byte) (int64, error) {
	switch indicator {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(conn, ext[:]); err != nil {
			return 0, err
		}
		return int64(binary.BigEndian.Uint16(ext[:])), nil
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(conn, ext[:]); err != nil {
			return 0, err
		}
		return int64(binary.BigEndian.Uint64(ext[:])), nil
	default:
		return int64(indicator), nil
	}
}

// writeFrame emits a single unfragmented, unmasked server frame. Header and
// payload go out as one write so a concurrent writer cannot interleave.
func writeFrame(conn net.Conn, opcode byte, payload []byte, timeout time.Duration) error {
	buf := make([]byte, 0, len(payload)+10)
	buf = append(buf, 0x80|opcode)

	switch n := len(payload); {
	case n < 126:
		buf = append(buf, byte(n))
	case n <= 0xFFFF:
		buf = append(buf, 126, byte(n>>8), byte(n))
	default:
		buf = append(buf, 127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}
	buf = append(buf, payload...)

	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(buf)
	return err
}
