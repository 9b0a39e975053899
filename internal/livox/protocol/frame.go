// Package protocol implements the Livox binary wire formats: the
// control-frame envelope exchanged on the command channel and the
// fixed header prefixed to every data-channel datagram.
//
// The package is a pure codec. It owns the framing, field layout and
// checksum rules but carries no protocol semantics; correlating
// acknowledgements, retries and state transitions live in the network
// and session packages.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/livox/internal/livox"
)

// Control-frame envelope constants.
//
// FRAME STRUCTURE (little-endian throughout):
// ├── Preamble (9 bytes)
// │   ├── SOF (1 byte)          - 0xAA start-of-frame marker
// │   ├── Version (1 byte)      - protocol version, currently 1
// │   ├── Length (2 bytes)      - total frame length including checksums
// │   ├── CmdType (1 byte)      - 0 request, 1 acknowledge, 2 unsolicited message
// │   ├── Seq (2 bytes)         - sender-monotonic sequence, wraps at 16 bits
// │   └── CRC16 (2 bytes)       - header checksum over the preceding 7 bytes
// ├── CmdSet (1 byte)           - command set (general / lidar)
// ├── CmdID (1 byte)            - command within the set
// ├── Body (variable)
// └── CRC32 (4 bytes)           - frame checksum over everything before it
const (
	FrameSOF     = 0xAA
	FrameVersion = 1

	framePreambleSize = 9
	frameCRC32Size    = 4

	// FrameOverhead is the envelope size around the body: preamble,
	// cmd_set, cmd_id and the trailing checksum.
	FrameOverhead = framePreambleSize + 2 + frameCRC32Size

	// MaxFrameSize bounds a control frame; command bodies are tiny, so a
	// short receive buffer suffices on the command socket.
	MaxFrameSize = 1400
)

// Command types carried in the envelope's CmdType field.
const (
	CmdTypeRequest uint8 = 0
	CmdTypeAck     uint8 = 1
	CmdTypeMessage uint8 = 2
)

// ControlFrame is one decoded control-channel message.
type ControlFrame struct {
	Version uint8
	CmdType uint8
	Seq     uint16
	CmdSet  uint8
	CmdID   uint8
	Body    []byte
}

// EncodeControlFrame builds a request envelope around body, computing
// both checksums. Inputs are well-formed by construction so there is no
// failure mode.
func EncodeControlFrame(seq uint16, cmdType, cmdSet, cmdID uint8, body []byte) []byte {
	total := FrameOverhead + len(body)
	buf := make([]byte, total)

	buf[0] = FrameSOF
	buf[1] = FrameVersion
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = cmdType
	binary.LittleEndian.PutUint16(buf[5:7], seq)
	binary.LittleEndian.PutUint16(buf[7:9], Checksum16(buf[:7]))

	buf[9] = cmdSet
	buf[10] = cmdID
	copy(buf[11:], body)

	binary.LittleEndian.PutUint32(buf[total-frameCRC32Size:], Checksum32(buf[:total-frameCRC32Size]))
	return buf
}

// DecodeControlFrame validates and parses one control frame. It returns
// livox.ErrMalformed when the datagram is shorter than the envelope or
// inconsistent with its declared length, and livox.ErrChecksumMismatch
// when either checksum fails. Checksum validation is the primary
// corruption defence on UDP and is never skipped.
func DecodeControlFrame(data []byte) (*ControlFrame, error) {
	if len(data) < FrameOverhead {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", livox.ErrMalformed, len(data), FrameOverhead)
	}
	if data[0] != FrameSOF {
		return nil, fmt.Errorf("%w: bad start-of-frame byte 0x%02X", livox.ErrMalformed, data[0])
	}

	length := int(binary.LittleEndian.Uint16(data[2:4]))
	if length < FrameOverhead || length > len(data) {
		return nil, fmt.Errorf("%w: declared length %d outside datagram of %d bytes", livox.ErrMalformed, length, len(data))
	}

	if got, want := Checksum16(data[:7]), binary.LittleEndian.Uint16(data[7:9]); got != want {
		return nil, fmt.Errorf("%w: header crc16 %04X != %04X", livox.ErrChecksumMismatch, got, want)
	}
	if got, want := Checksum32(data[:length-frameCRC32Size]), binary.LittleEndian.Uint32(data[length-frameCRC32Size:length]); got != want {
		return nil, fmt.Errorf("%w: frame crc32 %08X != %08X", livox.ErrChecksumMismatch, got, want)
	}

	body := make([]byte, length-FrameOverhead)
	copy(body, data[11:length-frameCRC32Size])

	return &ControlFrame{
		Version: data[1],
		CmdType: data[4],
		Seq:     binary.LittleEndian.Uint16(data[5:7]),
		CmdSet:  data[9],
		CmdID:   data[10],
		Body:    body,
	}, nil
}
