package protocol

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/banshee-data/livox/internal/livox"
)

func TestParseBroadcast(t *testing.T) {
	body := make([]byte, broadcastBodySize)
	copy(body, "0TFDG3B006H2Z11\x00")
	body[16] = 3 // device type

	code, devType, err := ParseBroadcast(body)
	if err != nil {
		t.Fatalf("ParseBroadcast failed: %v", err)
	}
	if code != "0TFDG3B006H2Z11" {
		t.Errorf("code = %q", code)
	}
	if devType != 3 {
		t.Errorf("device type = %d, want 3", devType)
	}
}

func TestParseBroadcastShort(t *testing.T) {
	if _, _, err := ParseBroadcast(make([]byte, 10)); !errors.Is(err, livox.ErrMalformed) {
		t.Errorf("err = %v, want malformed", err)
	}
}

func TestHandshakeBody(t *testing.T) {
	body := HandshakeBody(net.IPv4(192, 168, 1, 11), 57000, 57001)
	if len(body) != 8 {
		t.Fatalf("body length = %d, want 8", len(body))
	}
	if body[0] != 192 || body[1] != 168 || body[2] != 1 || body[3] != 11 {
		t.Errorf("ip bytes = %v", body[:4])
	}
	if got := binary.LittleEndian.Uint16(body[4:6]); got != 57000 {
		t.Errorf("data port = %d, want 57000", got)
	}
	if got := binary.LittleEndian.Uint16(body[6:8]); got != 57001 {
		t.Errorf("cmd port = %d, want 57001", got)
	}
}

func TestRequestBodies(t *testing.T) {
	if b := SamplingBody(true); len(b) != 1 || b[0] != 1 {
		t.Errorf("SamplingBody(true) = %v", b)
	}
	if b := SamplingBody(false); len(b) != 1 || b[0] != 0 {
		t.Errorf("SamplingBody(false) = %v", b)
	}
	if b := CoordinateBody(livox.CoordinateSpherical); len(b) != 1 || b[0] != 1 {
		t.Errorf("CoordinateBody(spherical) = %v", b)
	}
	if b := ModeBody(livox.LidarModePowerSaving); len(b) != 1 || b[0] != 2 {
		t.Errorf("ModeBody(power-saving) = %v", b)
	}
}

func TestParseHeartbeatAck(t *testing.T) {
	body := make([]byte, heartbeatAckSize)
	body[0] = 0
	body[1] = uint8(livox.LidarStateNormal)
	body[2] = 1
	binary.LittleEndian.PutUint32(body[3:7], 100)

	ack, err := ParseHeartbeatAck(body)
	if err != nil {
		t.Fatalf("ParseHeartbeatAck failed: %v", err)
	}
	if ack.RetCode != 0 {
		t.Errorf("ret code = %d, want 0", ack.RetCode)
	}
	if ack.State != livox.LidarStateNormal {
		t.Errorf("state = %v, want normal", ack.State)
	}
	if ack.AckData != 100 {
		t.Errorf("ack data = %d, want 100", ack.AckData)
	}
}

func TestParseHeartbeatAckShort(t *testing.T) {
	if _, err := ParseHeartbeatAck([]byte{0, 1}); !errors.Is(err, livox.ErrMalformed) {
		t.Errorf("err = %v, want malformed", err)
	}
}

func TestParseRetCode(t *testing.T) {
	if code, err := ParseRetCode([]byte{2}); err != nil || code != 2 {
		t.Errorf("ParseRetCode = (%d, %v), want (2, nil)", code, err)
	}
	if _, err := ParseRetCode(nil); !errors.Is(err, livox.ErrMalformed) {
		t.Errorf("empty body err = %v, want malformed", err)
	}
}
