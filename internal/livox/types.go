// Package livox contains the shared types for the Livox LiDAR driver:
// device descriptors, decoded point records, device mode/state enums and
// the event and error taxonomy surfaced to host applications.
//
// The wire-level codecs live in the protocol sub-package, the data-channel
// decoder in decode, socket handling in network and the connection state
// machine in session.
package livox

import (
	"fmt"
	"net"
	"time"
)

// BroadcastCodeLength is the fixed length of a device broadcast code,
// a 15-character serial string (14 significant characters plus a
// terminating NUL on the wire).
const BroadcastCodeLength = 15

// DeviceDescriptor identifies one physical sensor as learned from its
// discovery broadcast. It is immutable once captured; a session holds
// exactly one descriptor for its lifetime.
type DeviceDescriptor struct {
	BroadcastCode string       // fixed-length serial/broadcast identifier
	DeviceType    uint8        // vendor device model byte from the broadcast
	Addr          *net.UDPAddr // device IP; commands are sent to Addr.IP:CommandPort
	CommandPort   int          // device-side control port
}

func (d DeviceDescriptor) String() string {
	return fmt.Sprintf("%s@%s", d.BroadcastCode, d.Addr)
}

// PointRecord is one decoded point. Spherical wire encodings are
// normalized into the same Cartesian representation at decode time, so
// consumers never see per-encoding variants.
type PointRecord struct {
	X            float32   // metres, sensor frame
	Y            float32   // metres
	Z            float32   // metres
	Reflectivity uint8     // return intensity, 0-255
	Timestamp    time.Time // packet timestamp + intra-packet offset
}

// LidarMode is a power/operating mode requested of the device.
type LidarMode uint8

const (
	LidarModeNormal      LidarMode = 1
	LidarModePowerSaving LidarMode = 2
	LidarModeStandby     LidarMode = 3
)

func (m LidarMode) String() string {
	switch m {
	case LidarModeNormal:
		return "normal"
	case LidarModePowerSaving:
		return "power-saving"
	case LidarModeStandby:
		return "standby"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// LidarState is the device-reported operating state carried in
// heartbeat acknowledgements.
type LidarState uint8

const (
	LidarStateInit        LidarState = 0
	LidarStateNormal      LidarState = 1
	LidarStatePowerSaving LidarState = 2
	LidarStateStandby     LidarState = 3
	LidarStateError       LidarState = 4
	LidarStateUnknown     LidarState = 5
)

func (s LidarState) String() string {
	switch s {
	case LidarStateInit:
		return "init"
	case LidarStateNormal:
		return "normal"
	case LidarStatePowerSaving:
		return "power-saving"
	case LidarStateStandby:
		return "standby"
	case LidarStateError:
		return "error"
	default:
		return "unknown"
	}
}

// CoordinateSystem selects the point encoding the device streams.
type CoordinateSystem uint8

const (
	CoordinateCartesian CoordinateSystem = 0
	CoordinateSpherical CoordinateSystem = 1
)
