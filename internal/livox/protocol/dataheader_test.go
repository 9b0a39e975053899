package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/banshee-data/livox/internal/livox"
)

func buildDataHeader(dataType uint8, status uint32, timestamp uint64, payload []byte) []byte {
	buf := make([]byte, DataHeaderSize+len(payload))
	buf[0] = DataVersion
	buf[1] = 0 // slot
	buf[2] = 1 // lidar id
	binary.LittleEndian.PutUint32(buf[4:8], status)
	buf[8] = TimestampTypeNs
	buf[9] = dataType
	binary.LittleEndian.PutUint64(buf[10:18], timestamp)
	copy(buf[DataHeaderSize:], payload)
	return buf
}

func TestDecodeDataHeader(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	raw := buildDataHeader(DataTypeCartesian, StatusPPSMask, 1234567890, payload)

	h, rest, err := DecodeDataHeader(raw)
	if err != nil {
		t.Fatalf("DecodeDataHeader failed: %v", err)
	}
	if h.Version != DataVersion {
		t.Errorf("version = %d, want %d", h.Version, DataVersion)
	}
	if h.DataType != DataTypeCartesian {
		t.Errorf("data type = %d, want cartesian", h.DataType)
	}
	if h.Timestamp != 1234567890 {
		t.Errorf("timestamp = %d, want 1234567890", h.Timestamp)
	}
	if h.LidarID != 1 {
		t.Errorf("lidar id = %d, want 1", h.LidarID)
	}
	if len(rest) != len(payload) || rest[0] != 0xDE {
		t.Errorf("payload = %v, want %v", rest, payload)
	}
}

func TestDecodeDataHeaderShort(t *testing.T) {
	for n := 0; n < DataHeaderSize; n++ {
		if _, _, err := DecodeDataHeader(make([]byte, n)); !errors.Is(err, livox.ErrMalformed) {
			t.Errorf("length %d: err = %v, want malformed", n, err)
		}
	}
}

func TestAbnormalStatus(t *testing.T) {
	// PPS bit alone is not abnormal; any other bit is.
	cases := []struct {
		status uint32
		want   bool
	}{
		{0, false},
		{StatusPPSMask, false},
		{1, true},
		{StatusPPSMask | 1, true},
		{1 << 30, true},
	}
	for _, c := range cases {
		h := &DataPacketHeader{Status: c.status}
		if got := h.AbnormalStatus(); got != c.want {
			t.Errorf("AbnormalStatus(%#x) = %v, want %v", c.status, got, c.want)
		}
	}
}
