// Package decode turns raw Livox data-channel datagrams into batches of
// normalized point records.
//
// DATAGRAM STRUCTURE:
// ├── Data header (18 bytes) - version, slot/id, status, timestamp type,
// │                            data type, first-point capture timestamp
// └── Point array            - fixed per-point stride selected by data type:
//     ├── Cartesian (13 bytes/point) - i32 x,y,z in millimetres + u8 reflectivity
//     └── Spherical (9 bytes/point)  - u32 depth mm + u16 zenith + u16 azimuth
//                                      in 0.01-degree units + u8 reflectivity
//
// Both encodings are normalized into the same Cartesian PointRecord so
// downstream consumers never branch on the wire format. Each point's
// timestamp is the header timestamp plus its index times the nominal
// per-point interval (10 microseconds at the sensor's 100 kHz rate).
//
// The decoder performs no reordering: datagrams are decoded in arrival
// order, and a consumer needing strict time order must sort on the
// emitted timestamps. A single unrecognised or truncated datagram is
// reported as a typed error the caller absorbs as a dropped packet; it
// never halts the stream.
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/protocol"
)

// Point layout constants fixed by the wire protocol.
const (
	CartesianPointSize = 13 // 3 × i32 position + u8 reflectivity
	SphericalPointSize = 9  // u32 depth + 2 × u16 angles + u8 reflectivity

	// NominalSampleRate is the single-return point rate of the sensor.
	NominalSampleRate = 100_000

	// NominalPointInterval separates consecutive points within one packet.
	NominalPointInterval = time.Second / NominalSampleRate

	// Angular and linear resolutions of the spherical encoding.
	millimetresPerUnit = 1000.0  // raw position units per metre
	degreesPerUnit     = 0.01    // raw angle units are hundredths of a degree
)

// ErrUnknownDataType reports a datagram whose data-type byte names no
// recognised point encoding. The packet is dropped, not fatal: a future
// firmware format must not halt the stream.
var ErrUnknownDataType = errors.New("unknown data type")

// ErrUnknownVersion reports a data packet with an unsupported header
// version byte.
var ErrUnknownVersion = errors.New("unknown data packet version")

// Decoder decodes data datagrams into PointRecord batches. A Decoder is
// owned by a single session receive loop and is not safe for concurrent
// use.
type Decoder struct {
	sampleInterval time.Duration
	packetCount    int64
}

// NewDecoder creates a Decoder using the nominal 100 kHz per-point
// interval. A zero interval selects the default.
func NewDecoder(sampleInterval time.Duration) *Decoder {
	if sampleInterval <= 0 {
		sampleInterval = NominalPointInterval
	}
	return &Decoder{sampleInterval: sampleInterval}
}

// PacketCount returns the number of datagrams decoded so far,
// including dropped ones.
func (d *Decoder) PacketCount() int64 { return d.packetCount }

// DecodePacket decodes one datagram into its point batch. Errors are
// per-packet: livox.ErrMalformed for truncated datagrams,
// ErrUnknownDataType / ErrUnknownVersion for unrecognised formats. The
// caller treats any error as one dropped packet and continues.
func (d *Decoder) DecodePacket(data []byte) ([]livox.PointRecord, error) {
	d.packetCount++

	header, payload, err := protocol.DecodeDataHeader(data)
	if err != nil {
		return nil, err
	}
	if header.Version != protocol.DataVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, header.Version)
	}

	base := time.Unix(0, int64(header.Timestamp))

	switch header.DataType {
	case protocol.DataTypeCartesian:
		return d.decodeCartesian(payload, base)
	case protocol.DataTypeSpherical:
		return d.decodeSpherical(payload, base)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownDataType, header.DataType)
	}
}

// decodeCartesian decodes a payload of 13-byte Cartesian records.
func (d *Decoder) decodeCartesian(payload []byte, base time.Time) ([]livox.PointRecord, error) {
	if len(payload)%CartesianPointSize != 0 {
		return nil, fmt.Errorf("%w: cartesian payload %d bytes not a multiple of %d",
			livox.ErrMalformed, len(payload), CartesianPointSize)
	}

	n := len(payload) / CartesianPointSize
	points := make([]livox.PointRecord, 0, n)

	for i := 0; i < n; i++ {
		off := i * CartesianPointSize
		x := int32(binary.LittleEndian.Uint32(payload[off : off+4]))
		y := int32(binary.LittleEndian.Uint32(payload[off+4 : off+8]))
		z := int32(binary.LittleEndian.Uint32(payload[off+8 : off+12]))

		points = append(points, livox.PointRecord{
			X:            float32(x) / millimetresPerUnit,
			Y:            float32(y) / millimetresPerUnit,
			Z:            float32(z) / millimetresPerUnit,
			Reflectivity: payload[off+12],
			Timestamp:    base.Add(time.Duration(i) * d.sampleInterval),
		})
	}
	return points, nil
}

// decodeSpherical decodes a payload of 9-byte spherical records and
// converts each to Cartesian. Zenith is measured from the sensor's +Z
// axis, azimuth from +X in the horizontal plane.
func (d *Decoder) decodeSpherical(payload []byte, base time.Time) ([]livox.PointRecord, error) {
	if len(payload)%SphericalPointSize != 0 {
		return nil, fmt.Errorf("%w: spherical payload %d bytes not a multiple of %d",
			livox.ErrMalformed, len(payload), SphericalPointSize)
	}

	n := len(payload) / SphericalPointSize
	points := make([]livox.PointRecord, 0, n)

	for i := 0; i < n; i++ {
		off := i * SphericalPointSize
		depth := float64(binary.LittleEndian.Uint32(payload[off:off+4])) / millimetresPerUnit
		zenith := float64(binary.LittleEndian.Uint16(payload[off+4:off+6])) * degreesPerUnit * math.Pi / 180.0
		azimuth := float64(binary.LittleEndian.Uint16(payload[off+6:off+8])) * degreesPerUnit * math.Pi / 180.0

		sinZenith := math.Sin(zenith)

		points = append(points, livox.PointRecord{
			X:            float32(depth * sinZenith * math.Cos(azimuth)),
			Y:            float32(depth * sinZenith * math.Sin(azimuth)),
			Z:            float32(depth * math.Cos(zenith)),
			Reflectivity: payload[off+8],
			Timestamp:    base.Add(time.Duration(i) * d.sampleInterval),
		})
	}
	return points, nil
}
