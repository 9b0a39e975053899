// Package livoxtest provides in-memory socket doubles and a scripted
// device for exercising the command channel and session state machine
// without real network connections.
package livoxtest

import (
	"net"
	"sync"
	"time"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/network"
	"github.com/banshee-data/livox/internal/livox/protocol"
)

// timeoutError satisfies net.Error for simulated read deadlines.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// FakeSocket implements network.UDPSocket in memory. Inject delivers a
// datagram to readers; writes are recorded and passed to the OnWrite
// hook on the writer's goroutine.
type FakeSocket struct {
	mu       sync.Mutex
	deadline time.Time
	writes   [][]byte
	onWrite  func([]byte)
	closed   bool

	local   *net.UDPAddr
	inbound chan []byte
	closeCh chan struct{}
}

// NewFakeSocket creates a socket reporting local as its bound address.
func NewFakeSocket(local *net.UDPAddr) *FakeSocket {
	return &FakeSocket{
		local:   local,
		inbound: make(chan []byte, 256),
		closeCh: make(chan struct{}),
	}
}

// Inject queues a datagram for the next read.
func (s *FakeSocket) Inject(pkt []byte) {
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	select {
	case s.inbound <- buf:
	case <-s.closeCh:
	}
}

// SetOnWrite installs the write hook.
func (s *FakeSocket) SetOnWrite(hook func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = hook
}

// Writes returns a copy of every datagram written so far.
func (s *FakeSocket) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *FakeSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	s.mu.Lock()
	deadline := s.deadline
	s.mu.Unlock()

	var expire <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case pkt := <-s.inbound:
		return copy(b, pkt), &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 65000}, nil
	case <-expire:
		return 0, nil, timeoutError{}
	case <-s.closeCh:
		return 0, nil, net.ErrClosed
	}
}

func (s *FakeSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	pkt := make([]byte, len(b))
	copy(pkt, b)

	s.mu.Lock()
	s.writes = append(s.writes, pkt)
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(pkt)
	}
	return len(b), nil
}

func (s *FakeSocket) SetReadBuffer(bytes int) error { return nil }

func (s *FakeSocket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

func (s *FakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

func (s *FakeSocket) LocalAddr() net.Addr { return s.local }

// Factory hands out FakeSockets in creation order and invokes OnSocket
// for each, letting tests attach behaviour to the command or data
// socket as the session opens them.
type Factory struct {
	mu      sync.Mutex
	sockets []*FakeSocket

	// OnSocket, when set, is called with the zero-based creation index of
	// each new socket.
	OnSocket func(index int, sock *FakeSocket)

	nextPort int
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{nextPort: 56000}
}

// ListenUDP satisfies network.UDPSocketFactory.
func (f *Factory) ListenUDP(netw string, laddr *net.UDPAddr) (network.UDPSocket, error) {
	f.mu.Lock()
	port := laddr.Port
	if port == 0 {
		port = f.nextPort
		f.nextPort++
	}
	sock := NewFakeSocket(&net.UDPAddr{IP: net.IPv4(192, 168, 1, 11), Port: port})
	index := len(f.sockets)
	f.sockets = append(f.sockets, sock)
	hook := f.OnSocket
	f.mu.Unlock()

	if hook != nil {
		hook(index, sock)
	}
	return sock, nil
}

// Socket returns the i-th socket created, or nil.
func (f *Factory) Socket(i int) *FakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.sockets) {
		return nil
	}
	return f.sockets[i]
}

// FakeDevice is a scripted Livox unit answering command frames on an
// attached socket. Behaviour toggles are safe to flip while attached.
type FakeDevice struct {
	mu sync.Mutex

	// HandshakeRet and CommandRet are the return codes placed in the
	// corresponding acknowledgements; zero means success.
	HandshakeRet uint8
	CommandRet   uint8

	// DropHandshake / DropHeartbeats suppress the acknowledgement
	// entirely, simulating loss.
	DropHandshake  bool
	DropHeartbeats bool

	// State is reported in heartbeat acknowledgements.
	State livox.LidarState

	heartbeats int
}

// Heartbeats returns how many heartbeat requests the device has seen.
func (d *FakeDevice) Heartbeats() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heartbeats
}

// SetDropHeartbeats toggles heartbeat loss.
func (d *FakeDevice) SetDropHeartbeats(drop bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DropHeartbeats = drop
}

// Attach wires the device to answer frames written to sock.
func (d *FakeDevice) Attach(sock *FakeSocket) {
	sock.SetOnWrite(func(pkt []byte) {
		frame, err := protocol.DecodeControlFrame(pkt)
		if err != nil || frame.CmdType != protocol.CmdTypeRequest {
			return
		}

		d.mu.Lock()
		defer d.mu.Unlock()

		var body []byte
		switch {
		case frame.CmdSet == protocol.CmdSetGeneral && frame.CmdID == protocol.CmdIDHandshake:
			if d.DropHandshake {
				return
			}
			body = []byte{d.HandshakeRet}

		case frame.CmdSet == protocol.CmdSetGeneral && frame.CmdID == protocol.CmdIDHeartbeat:
			d.heartbeats++
			if d.DropHeartbeats {
				return
			}
			body = make([]byte, 7)
			body[0] = 0
			body[1] = uint8(d.State)

		default:
			body = []byte{d.CommandRet}
		}

		sock.Inject(protocol.EncodeControlFrame(frame.Seq, protocol.CmdTypeAck, frame.CmdSet, frame.CmdID, body))
	})
}

// BroadcastFrame builds the discovery announcement a device with the
// given broadcast code emits.
func BroadcastFrame(code string, devType uint8) []byte {
	body := make([]byte, 19)
	copy(body[:16], code)
	body[16] = devType
	return protocol.EncodeControlFrame(0, protocol.CmdTypeMessage, protocol.CmdSetGeneral, protocol.CmdIDBroadcast, body)
}
