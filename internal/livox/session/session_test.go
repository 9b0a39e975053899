package session

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/decode"
	"github.com/banshee-data/livox/internal/livox/livoxtest"
	"github.com/banshee-data/livox/internal/livox/protocol"
)

// eventRecorder collects session events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []livox.Event
}

func (r *eventRecorder) OnEvent(e livox.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(kind livox.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind livox.EventKind) (livox.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return livox.Event{}, false
}

func testDescriptor() livox.DeviceDescriptor {
	return livox.DeviceDescriptor{
		BroadcastCode: "0TFDG3B006H2Z11",
		Addr:          &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: protocol.DeviceCommandPort},
		CommandPort:   protocol.DeviceCommandPort,
	}
}

// testHarness wires a scripted device to a fresh session config.
type testHarness struct {
	factory *livoxtest.Factory
	device  *livoxtest.FakeDevice
	events  *eventRecorder
	cfg     Config
}

func newHarness() *testHarness {
	h := &testHarness{
		factory: livoxtest.NewFactory(),
		device:  &livoxtest.FakeDevice{State: livox.LidarStateNormal},
		events:  &eventRecorder{},
	}
	// The session opens the command socket first, then the data socket.
	h.factory.OnSocket = func(index int, sock *livoxtest.FakeSocket) {
		if index == 0 {
			h.device.Attach(sock)
		}
	}
	h.cfg = Config{
		HostIP:          net.IPv4(192, 168, 1, 11),
		SocketFactory:   h.factory,
		RequestTimeout:  150 * time.Millisecond,
		RequestRetries:  0,
		HeartbeatPeriod: 50 * time.Millisecond,
		MissThreshold:   3,
		Events:          h.events,
	}
	return h
}

func (h *testHarness) dataSocket() *livoxtest.FakeSocket { return h.factory.Socket(1) }

// cartesianPacket builds a synthetic data datagram with n points.
func cartesianPacket(timestamp uint64, n int, reflectivity uint8) []byte {
	payload := make([]byte, n*decode.CartesianPointSize)
	for i := 0; i < n; i++ {
		off := i * decode.CartesianPointSize
		binary.LittleEndian.PutUint32(payload[off:], uint32(int32(i*100)))
		binary.LittleEndian.PutUint32(payload[off+4:], uint32(int32(-i*100)))
		binary.LittleEndian.PutUint32(payload[off+8:], uint32(int32(i*50)))
		payload[off+12] = reflectivity
	}

	buf := make([]byte, protocol.DataHeaderSize+len(payload))
	buf[0] = protocol.DataVersion
	buf[9] = protocol.DataTypeCartesian
	binary.LittleEndian.PutUint64(buf[10:18], timestamp)
	copy(buf[protocol.DataHeaderSize:], payload)
	return buf
}

// collectBatch reads one batch from the stream with a deadline.
func collectBatch(t *testing.T, points <-chan []livox.PointRecord) []livox.PointRecord {
	t.Helper()
	select {
	case batch, ok := <-points:
		require.True(t, ok, "point stream closed unexpectedly")
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a point batch")
		return nil
	}
}

func TestConnectLifecycleScenario(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := Connect(ctx, testDescriptor(), h.cfg)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, sess.State())
	assert.Equal(t, 1, h.events.count(livox.EventConnected))

	require.NoError(t, sess.StartSampling(ctx))
	assert.Equal(t, StateSampling, sess.State())
	assert.Equal(t, 1, h.events.count(livox.EventSamplingStarted))

	// Three synthetic datagrams decode into three batches in arrival order.
	data := h.dataSocket()
	require.NotNil(t, data)
	data.Inject(cartesianPacket(1000, 4, 10))
	data.Inject(cartesianPacket(2000, 5, 20))
	data.Inject(cartesianPacket(3000, 6, 30))

	points := sess.Points()
	first := collectBatch(t, points)
	second := collectBatch(t, points)
	third := collectBatch(t, points)

	assert.Len(t, first, 4)
	assert.Len(t, second, 5)
	assert.Len(t, third, 6)
	assert.Equal(t, uint8(10), first[0].Reflectivity)
	assert.Equal(t, int64(1000), first[0].Timestamp.UnixNano())
	assert.True(t, second[0].Timestamp.After(first[0].Timestamp))

	require.NoError(t, sess.StopSampling(ctx))
	assert.Equal(t, StateIdle, sess.State())
	assert.Equal(t, 1, h.events.count(livox.EventSamplingStopped))

	// Datagrams arriving outside Sampling yield no further records.
	data.Inject(cartesianPacket(4000, 3, 40))
	select {
	case batch, ok := <-points:
		if ok {
			t.Fatalf("received %d-point batch after stop", len(batch))
		}
	case <-time.After(300 * time.Millisecond):
	}

	sess.Disconnect()
	assert.Equal(t, StateDisconnected, sess.State())
	assert.Equal(t, 1, h.events.count(livox.EventDisconnected))

	// The stream terminates on disconnect.
	for range points {
	}
}

func TestInvalidStateTransitions(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := Connect(ctx, testDescriptor(), h.cfg)
	require.NoError(t, err)
	defer sess.Disconnect()

	// Stop before start: rejected, not ignored.
	err = sess.StopSampling(ctx)
	var invalid *livox.ErrInvalidState
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "stop-sampling", invalid.Op)

	require.NoError(t, sess.StartSampling(ctx))

	// Double start: rejected.
	err = sess.StartSampling(ctx)
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "start-sampling", invalid.Op)

	require.NoError(t, sess.StopSampling(ctx))
	require.NoError(t, sess.StartSampling(ctx), "sampling must be restartable from idle")
}

func TestOperationsAfterDisconnectRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := Connect(ctx, testDescriptor(), h.cfg)
	require.NoError(t, err)
	sess.Disconnect()

	var invalid *livox.ErrInvalidState
	require.ErrorAs(t, sess.StartSampling(ctx), &invalid)
	assert.Equal(t, "disconnected", invalid.State)

	// Idempotent disconnect.
	sess.Disconnect()
	assert.Equal(t, 1, h.events.count(livox.EventDisconnected))
}

func TestTransitionNotCommittedAfterTeardown(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := Connect(ctx, testDescriptor(), h.cfg)
	require.NoError(t, err)
	sess.Disconnect()

	// A disconnect landing between a command's acknowledgement and the
	// state commit must leave the terminal state in place.
	err = sess.commitTransition("start-sampling", StateSampling)
	var invalid *livox.ErrInvalidState
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "disconnected", invalid.State)
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestConnectHandshakeRejected(t *testing.T) {
	h := newHarness()
	h.device.HandshakeRet = 1

	_, err := Connect(context.Background(), testDescriptor(), h.cfg)
	var connErr *livox.ErrConnect
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "handshake", connErr.Stage)

	var devErr *livox.DeviceError
	assert.ErrorAs(t, err, &devErr)
}

func TestConnectHandshakeTimeout(t *testing.T) {
	h := newHarness()
	h.device.DropHandshake = true
	h.cfg.RequestTimeout = 50 * time.Millisecond

	_, err := Connect(context.Background(), testDescriptor(), h.cfg)
	var connErr *livox.ErrConnect
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, livox.ErrTimeout)
}

func TestHeartbeatLossDisconnects(t *testing.T) {
	h := newHarness()
	h.cfg.RequestTimeout = 50 * time.Millisecond
	h.cfg.HeartbeatPeriod = 30 * time.Millisecond
	h.cfg.MissThreshold = 3
	ctx := context.Background()

	sess, err := Connect(ctx, testDescriptor(), h.cfg)
	require.NoError(t, err)
	require.NoError(t, sess.StartSampling(ctx))

	h.device.SetDropHeartbeats(true)

	require.Eventually(t, func() bool { return sess.State() == StateDisconnected },
		10*time.Second, 20*time.Millisecond, "heartbeat loss must disconnect the session")

	assert.Equal(t, 1, h.events.count(livox.EventDisconnected), "disconnect event fires exactly once")
	ev, ok := h.events.last(livox.EventDisconnected)
	require.True(t, ok)
	assert.Equal(t, "heartbeat", ev.Reason)

	// The point stream terminates.
	for range sess.Points() {
	}
}

func TestHeartbeatReportsDeviceState(t *testing.T) {
	h := newHarness()
	h.device.State = livox.LidarStatePowerSaving
	ctx := context.Background()

	sess, err := Connect(ctx, testDescriptor(), h.cfg)
	require.NoError(t, err)
	defer sess.Disconnect()

	require.Eventually(t, func() bool {
		return sess.DeviceState() == livox.LidarStatePowerSaving
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownDataTypeDropsPacket(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := Connect(ctx, testDescriptor(), h.cfg)
	require.NoError(t, err)
	defer sess.Disconnect()
	require.NoError(t, sess.StartSampling(ctx))

	bad := cartesianPacket(1000, 2, 0)
	bad[9] = 0x7F // unrecognised data type
	h.dataSocket().Inject(bad)

	require.Eventually(t, func() bool {
		return h.events.count(livox.EventPacketDropped) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Decoding continues on the next well-formed datagram.
	h.dataSocket().Inject(cartesianPacket(2000, 2, 5))
	batch := collectBatch(t, sess.Points())
	assert.Len(t, batch, 2)
}

func TestSetModeAndCoordinateSystem(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	sess, err := Connect(ctx, testDescriptor(), h.cfg)
	require.NoError(t, err)
	defer sess.Disconnect()

	require.NoError(t, sess.SetMode(ctx, livox.LidarModeNormal))
	require.NoError(t, sess.SetCoordinateSystem(ctx, livox.CoordinateSpherical))

	// Device-rejected command surfaces the return code.
	h.device.CommandRet = 2
	var devErr *livox.DeviceError
	require.ErrorAs(t, sess.SetMode(ctx, livox.LidarModeStandby), &devErr)
	assert.Equal(t, uint8(2), devErr.Code)
}
