package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/banshee-data/livox/internal/livox"
)

// Command sets and the commands within them. The two-level opcode
// (cmd_set, cmd_id) identifies every control operation.
const (
	CmdSetGeneral uint8 = 0x00
	CmdSetLidar   uint8 = 0x01

	// General set
	CmdIDBroadcast         uint8 = 0x00
	CmdIDHandshake         uint8 = 0x01
	CmdIDDeviceInfo        uint8 = 0x02
	CmdIDHeartbeat         uint8 = 0x03
	CmdIDStartStopSampling uint8 = 0x04
	CmdIDCoordinateSystem  uint8 = 0x05
	CmdIDDisconnect        uint8 = 0x06

	// Lidar set
	CmdIDSetMode uint8 = 0x00
)

// Well-known ports. Devices announce themselves to the host broadcast
// port and accept commands on their own fixed command port.
const (
	BroadcastListenPort = 55000
	DeviceCommandPort   = 65000
)

// broadcast body: code[16] (NUL-padded), dev_type u8, reserved u16
const broadcastBodySize = 16 + 1 + 2

// ParseBroadcast extracts the broadcast code and device type from a
// discovery message body.
func ParseBroadcast(body []byte) (code string, devType uint8, err error) {
	if len(body) < broadcastBodySize {
		return "", 0, fmt.Errorf("%w: broadcast body %d bytes, need %d", livox.ErrMalformed, len(body), broadcastBodySize)
	}
	code = strings.TrimRight(string(body[:16]), "\x00")
	return code, body[16], nil
}

// HandshakeBody builds the handshake request body advertising the
// host's address and listening ports to the device: ip[4], data_port
// u16, cmd_port u16.
func HandshakeBody(hostIP net.IP, dataPort, cmdPort uint16) []byte {
	body := make([]byte, 8)
	copy(body[0:4], hostIP.To4())
	binary.LittleEndian.PutUint16(body[4:6], dataPort)
	binary.LittleEndian.PutUint16(body[6:8], cmdPort)
	return body
}

// SamplingBody builds the start/stop sampling request body.
func SamplingBody(start bool) []byte {
	if start {
		return []byte{1}
	}
	return []byte{0}
}

// CoordinateBody builds the coordinate-system request body.
func CoordinateBody(cs livox.CoordinateSystem) []byte {
	return []byte{uint8(cs)}
}

// ModeBody builds the lidar set-mode request body.
func ModeBody(mode livox.LidarMode) []byte {
	return []byte{uint8(mode)}
}

// ParseRetCode extracts the single return-code byte shared by most
// acknowledgement bodies. Zero means success.
func ParseRetCode(body []byte) (uint8, error) {
	if len(body) < 1 {
		return 0, fmt.Errorf("%w: empty acknowledgement body", livox.ErrMalformed)
	}
	return body[0], nil
}

// HeartbeatAck is the decoded heartbeat acknowledgement body: return
// code, device state, feature flags and the state-specific word
// (error code while in the error state, progress otherwise).
type HeartbeatAck struct {
	RetCode uint8
	State   livox.LidarState
	Feature uint8
	AckData uint32
}

const heartbeatAckSize = 1 + 1 + 1 + 4

// ParseHeartbeatAck decodes a heartbeat acknowledgement body.
func ParseHeartbeatAck(body []byte) (*HeartbeatAck, error) {
	if len(body) < heartbeatAckSize {
		return nil, fmt.Errorf("%w: heartbeat ack body %d bytes, need %d", livox.ErrMalformed, len(body), heartbeatAckSize)
	}
	return &HeartbeatAck{
		RetCode: body[0],
		State:   livox.LidarState(body[1]),
		Feature: body[2],
		AckData: binary.LittleEndian.Uint32(body[3:7]),
	}, nil
}
