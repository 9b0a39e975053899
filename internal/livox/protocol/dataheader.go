package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/livox/internal/livox"
)

// Data-packet header constants.
//
// Every data-channel datagram starts with this 18-byte header followed
// by a point array whose per-point stride is fixed by DataType:
// ├── Version (1 byte)        - data protocol version, currently 5
// ├── Slot (1 byte)           - hub slot, 0 for a standalone unit
// ├── LidarID (1 byte)        - lidar id within the slot
// ├── Reserved (1 byte)
// ├── Status (4 bytes)        - device status bitfield (bit 9 = PPS signal)
// ├── TimestampType (1 byte)  - 0 = nanoseconds, unsynchronised
// ├── DataType (1 byte)       - point encoding of the payload
// └── Timestamp (8 bytes)     - capture time of the packet's first point
const (
	DataHeaderSize  = 18
	DataVersion     = 5
	TimestampTypeNs = 0

	// StatusPPSMask isolates the PPS-signal bit of the status word; it is
	// informational and not an error condition.
	StatusPPSMask = 1 << 9
)

// Point encodings. The data-type byte of the header selects the
// per-point wire layout and stride.
const (
	DataTypeCartesian uint8 = 0 // i32 x,y,z millimetres + u8 reflectivity
	DataTypeSpherical uint8 = 1 // u32 depth mm + u16 zenith/azimuth 0.01 deg + u8 reflectivity
)

// DataPacketHeader is the decoded fixed prefix of one data datagram.
type DataPacketHeader struct {
	Version       uint8
	Slot          uint8
	LidarID       uint8
	Status        uint32
	TimestampType uint8
	DataType      uint8
	Timestamp     uint64
}

// AbnormalStatus reports whether the status word carries anything other
// than the PPS-signal bit.
func (h *DataPacketHeader) AbnormalStatus() bool {
	return h.Status&^uint32(StatusPPSMask) != 0
}

// DecodeDataHeader extracts the fixed-size header and returns the
// remaining payload slice for point decoding. The payload aliases the
// input; callers that retain it across reads must copy.
func DecodeDataHeader(data []byte) (*DataPacketHeader, []byte, error) {
	if len(data) < DataHeaderSize {
		return nil, nil, fmt.Errorf("%w: datagram %d bytes, need %d for data header", livox.ErrMalformed, len(data), DataHeaderSize)
	}
	h := &DataPacketHeader{
		Version:       data[0],
		Slot:          data[1],
		LidarID:       data[2],
		Status:        binary.LittleEndian.Uint32(data[4:8]),
		TimestampType: data[8],
		DataType:      data[9],
		Timestamp:     binary.LittleEndian.Uint64(data[10:18]),
	}
	return h, data[DataHeaderSize:], nil
}
