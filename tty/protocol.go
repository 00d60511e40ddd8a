// Package tty implements the host↔guest TTY multiplexing protocol (spec.md
// §4.7): a 2-byte little-endian command word framing stdio, resize, and
// exit messages over the single vsock-backed byte stream the VM supervisor
// hands it, plus the host- and guest-side I/O loops that drive it.
//
// Grounded on the donor's console.go (raw-mode terminal setup, SIGINT/
// SIGTERM absorption around the raw-mode window, escape-free passthrough
// loop shape) and console_linux.go/console/sigwinch_linux.go (SIGWINCH →
// resize-query → propagate); the donor relays an already-framed PTY byte
// stream verbatim because Cloud Hypervisor owns the wire format itself, so
// this package's own framing (encode/decode, WRITE_STDOUT/STDERR/EXIT/
// WRITE_STDIN/UPDATE_SIZE, MAX_DATA_LEN fragmentation) has no direct donor
// analog and is new code grounded in spec.md's literal wire format.
package tty

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode is the 2-bit message type carried in a command word's low bits.
type Opcode byte

// Guest→Host opcodes.
const (
	OpWriteStdout Opcode = 0
	OpWriteStderr Opcode = 1
	OpExit        Opcode = 2
)

// Host→Guest opcodes (share the numeric space with the guest→host set;
// direction disambiguates which meaning applies).
const (
	OpWriteStdin  Opcode = 0
	OpUpdateSize  Opcode = 1
)

// MaxDataLen is the largest payload a single WRITE_* frame may carry
// (14-bit payload field); larger writes must be fragmented.
const MaxDataLen = 1<<14 - 1 // 16383

// ErrUnknownOpcode is returned by ReadMessage for an opcode value not
// defined for the direction being read; callers should log and skip the frame rather than fail the
// whole connection (spec.md §4.7 edge cases).
var ErrUnknownOpcode = errors.New("tty: unknown opcode")

// encodeHeader packs opcode (2 bits) and payload (14 bits) into the
// little-endian command word.
func encodeHeader(op Opcode, payload uint16) uint16 {
	return uint16(op)&0x3 | (payload&0x3fff)<<2
}

// decodeHeader is the wire-format inverse of encodeHeader.
func decodeHeader(word uint16) (Opcode, uint16) {
	return Opcode(word & 0x3), (word >> 2) & 0x3fff
}

// EncodeWriteCmd returns the wire bytes for one WRITE_STDOUT/STDERR/STDIN
// frame: header word followed by data. data must be at most MaxDataLen
// bytes — callers needing to send more must call this once per chunk.
func EncodeWriteCmd(op Opcode, data []byte) ([]byte, error) {
	if len(data) > MaxDataLen {
		return nil, fmt.Errorf("tty: write payload %d exceeds MAX_DATA_LEN %d", len(data), MaxDataLen)
	}
	buf := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(buf, encodeHeader(op, uint16(len(data))))
	copy(buf[2:], data)
	return buf, nil
}

// EncodeExitCmd returns the wire bytes for an EXIT frame carrying an 8-bit
// status (upper bits of code are ignored, matching the wire format).
func EncodeExitCmd(code uint8) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, encodeHeader(OpExit, uint16(code)))
	return buf
}

// EncodeUpdateSizeCmd returns the wire bytes for an UPDATE_SIZE frame: a
// zero-payload header followed by cols_le_u16 || rows_le_u16.
func EncodeUpdateSizeCmd(cols, rows uint16) []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], encodeHeader(OpUpdateSize, 0))
	binary.LittleEndian.PutUint16(buf[2:4], cols)
	binary.LittleEndian.PutUint16(buf[4:6], rows)
	return buf
}

// WriteFragmented splits data into MaxDataLen-sized WRITE_* frames and
// writes each in turn, so a caller never needs to reason about the limit
// itself. A zero-length data still emits one zero-payload frame (used by
// the host loop to signal EOF on stdin with a payload-0 WRITE_STDIN).
func WriteFragmented(w io.Writer, op Opcode, data []byte) error {
	if len(data) == 0 {
		frame, err := EncodeWriteCmd(op, nil)
		if err != nil {
			return err
		}
		_, err = w.Write(frame)
		return err
	}
	for len(data) > 0 {
		n := len(data)
		if n > MaxDataLen {
			n = MaxDataLen
		}
		frame, err := EncodeWriteCmd(op, data[:n])
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Message is one decoded frame.
type Message struct {
	Op   Opcode
	Data []byte // WRITE_* payload bytes, or nil for EXIT/UPDATE_SIZE
	Code uint8  // valid for EXIT
	Cols uint16 // valid for UPDATE_SIZE
	Rows uint16 // valid for UPDATE_SIZE
}

// ReadMessage reads exactly one frame from r. For WRITE_* it reads the
// payload-many data bytes that follow the header; for EXIT the payload is
// the status and no further bytes are read; for UPDATE_SIZE it reads the
// fixed 4 trailing bytes. isGuestToHost selects which opcode space (0/1/2
// vs 0/1) to interpret the header against — the two directions share
// numeric values with different meanings.
func ReadMessage(r io.Reader, isGuestToHost bool) (Message, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	op, payload := decodeHeader(binary.LittleEndian.Uint16(hdr[:]))

	if isGuestToHost && op == OpExit {
		return Message{Op: OpExit, Code: uint8(payload)}, nil
	}
	if !isGuestToHost && op == OpUpdateSize {
		var sz [4]byte
		if _, err := io.ReadFull(r, sz[:]); err != nil {
			return Message{}, err
		}
		return Message{
			Op:   OpUpdateSize,
			Cols: binary.LittleEndian.Uint16(sz[0:2]),
			Rows: binary.LittleEndian.Uint16(sz[2:4]),
		}, nil
	}

	maxOp := Opcode(1)
	if isGuestToHost {
		maxOp = OpExit
	}
	if op > maxOp {
		// Unknown opcode (the 4th, unassigned 2-bit value): the payload
		// field still names a trailing byte count under this wire format,
		// so drain it to keep the stream framed for the next message, then
		// report the frame as skippable (spec.md §4.7 edge cases).
		if payload > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(payload)); err != nil {
				return Message{}, err
			}
		}
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, op)
	}

	data := make([]byte, payload)
	if payload > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return Message{}, err
		}
	}
	return Message{Op: op, Data: data}, nil
}
