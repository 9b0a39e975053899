package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/decode"
	"github.com/banshee-data/livox/internal/livox/network"
	"github.com/banshee-data/livox/internal/livox/protocol"
)

// State is the session's phase in the connection lifecycle.
type State int

const (
	StateHandshaking State = iota
	StateIdle
	StateSampling
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateSampling:
		return "sampling"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// dataReadDeadline bounds each data-socket read; it is the upper bound
// on how long Disconnect can leave the receive loop blocked.
const dataReadDeadline = 100 * time.Millisecond

// dataBufferSize covers the largest data datagram (18-byte header plus
// 100 Cartesian points of 13 bytes) with margin.
const dataBufferSize = 2048

// Config carries session tuning. The zero value selects defaults for
// every field except HostIP, which is required: it is the address
// advertised to the device in the handshake and must be reachable from
// the sensor's segment.
type Config struct {
	HostIP net.IP

	// SocketFactory is swapped for an in-memory implementation in tests.
	SocketFactory network.UDPSocketFactory

	RequestTimeout  time.Duration
	RequestRetries  int
	HeartbeatPeriod time.Duration
	MissThreshold   int
	SampleInterval  time.Duration

	// BatchBuffer is the depth of the point stream channel; batches are
	// dropped (counted, evented) rather than stalling the receive loop
	// when the consumer falls behind.
	BatchBuffer int

	Events livox.EventSink
	Stats  *livox.PacketStats
}

// Session is one connection to one Livox unit. All state transitions
// happen on the session's own methods; the command client, heartbeat
// monitor and data receive loop report results back rather than
// mutating session state directly.
type Session struct {
	desc    livox.DeviceDescriptor
	cfg     Config
	events  livox.EventSink
	stats   *livox.PacketStats
	decoder *decode.Decoder

	cmd      *network.CommandClient
	dataSock network.UDPSocket
	dataPort int

	cancel context.CancelFunc
	ioWG   sync.WaitGroup // command + data receive loops
	hbWG   sync.WaitGroup // heartbeat monitor

	mu           sync.Mutex
	state        State
	deviceState  livox.LidarState
	stream       chan []livox.PointRecord
	lastAbnormal bool

	disconnectOnce sync.Once
}

// Connect opens the command and data sockets, performs the handshake
// and returns a Session in the Idle state with the heartbeat monitor
// running. On any failure both sockets are released and an ErrConnect
// is returned; the attempt is terminal.
func Connect(ctx context.Context, desc livox.DeviceDescriptor, cfg Config) (*Session, error) {
	if cfg.HostIP == nil || cfg.HostIP.To4() == nil {
		return nil, &livox.ErrConnect{Stage: "handshake", Err: fmt.Errorf("config requires an IPv4 HostIP")}
	}
	factory := cfg.SocketFactory
	if factory == nil {
		factory = &network.RealUDPSocketFactory{}
	}
	events := cfg.Events
	if events == nil {
		events = livox.EventFunc(func(livox.Event) {})
	}
	stats := cfg.Stats
	if stats == nil {
		stats = livox.NewPacketStats()
	}
	batchBuffer := cfg.BatchBuffer
	if batchBuffer <= 0 {
		batchBuffer = 256
	}

	cmdSock, err := factory.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, &livox.ErrConnect{Stage: "handshake", Err: fmt.Errorf("command socket: %w", err)}
	}
	dataSock, err := factory.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		cmdSock.Close()
		return nil, &livox.ErrConnect{Stage: "handshake", Err: fmt.Errorf("data socket: %w", err)}
	}

	remote := &net.UDPAddr{IP: desc.Addr.IP, Port: desc.CommandPort}
	s := &Session{
		desc:     desc,
		cfg:      cfg,
		events:   events,
		stats:    stats,
		decoder:  decode.NewDecoder(cfg.SampleInterval),
		cmd:      network.NewCommandClient(cmdSock, remote, cfg.RequestTimeout, cfg.RequestRetries),
		dataSock: dataSock,
		state:    StateHandshaking,
		stream:   make(chan []livox.PointRecord, batchBuffer),
	}
	if addr, ok := dataSock.LocalAddr().(*net.UDPAddr); ok {
		s.dataPort = addr.Port
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.ioWG.Add(2)
	go func() {
		defer s.ioWG.Done()
		s.cmd.Start(loopCtx)
	}()
	go func() {
		defer s.ioWG.Done()
		s.dataLoop(loopCtx)
	}()

	if err := s.handshake(ctx); err != nil {
		s.teardown("handshake failed")
		return nil, &livox.ErrConnect{Stage: "handshake", Err: err}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()

	hb := network.NewHeartbeat(s.cmd, cfg.HeartbeatPeriod, cfg.MissThreshold,
		s.onHeartbeatAck,
		func() {
			// Called from the heartbeat goroutine; tearing down from here
			// directly would deadlock on its own WaitGroup.
			go s.disconnect("heartbeat")
		})
	s.hbWG.Add(1)
	go func() {
		defer s.hbWG.Done()
		hb.Run(loopCtx)
	}()

	log.Printf("Connected to %s (command port %d, data port %d)", desc, s.cmd.LocalPort(), s.dataPort)
	events.OnEvent(livox.Event{Kind: livox.EventConnected})
	return s, nil
}

// handshake advertises the host's listening ports to the device.
func (s *Session) handshake(ctx context.Context) error {
	body := protocol.HandshakeBody(s.cfg.HostIP, uint16(s.dataPort), uint16(s.cmd.LocalPort()))
	frame, err := s.cmd.Request(ctx, protocol.CmdSetGeneral, protocol.CmdIDHandshake, body)
	if err != nil {
		return err
	}
	ret, err := protocol.ParseRetCode(frame.Body)
	if err != nil {
		return err
	}
	if ret != 0 {
		return &livox.DeviceError{Op: "handshake", Code: ret}
	}
	return nil
}

// onHeartbeatAck records the device-reported state from a heartbeat.
func (s *Session) onHeartbeatAck(ack *protocol.HeartbeatAck) {
	s.mu.Lock()
	s.deviceState = ack.State
	s.mu.Unlock()
}

// State returns the session's current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceState returns the operating state last reported in a heartbeat
// acknowledgement.
func (s *Session) DeviceState() livox.LidarState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceState
}

// Descriptor returns the device this session is bound to.
func (s *Session) Descriptor() livox.DeviceDescriptor { return s.desc }

// Points returns the stream of decoded point batches, one batch per
// data datagram. The channel is closed when the session disconnects.
// At most one reader may consume it; fan-out must be handled by the
// caller.
func (s *Session) Points() <-chan []livox.PointRecord {
	return s.stream
}

// StartSampling commands the device to stream point data. Valid only in
// the Idle state; anywhere else an ErrInvalidState is returned so
// callers cannot mask protocol bugs.
func (s *Session) StartSampling(ctx context.Context) error {
	if err := s.transitionGuard("start-sampling", StateIdle); err != nil {
		return err
	}
	if err := s.simpleCommand(ctx, "start-sampling", protocol.CmdSetGeneral, protocol.CmdIDStartStopSampling, protocol.SamplingBody(true)); err != nil {
		return err
	}

	if err := s.commitTransition("start-sampling", StateSampling); err != nil {
		return err
	}
	s.events.OnEvent(livox.Event{Kind: livox.EventSamplingStarted})
	return nil
}

// StopSampling commands the device back to Idle. Valid only while
// Sampling. The point stream stays open but yields no further batches
// until sampling restarts.
func (s *Session) StopSampling(ctx context.Context) error {
	if err := s.transitionGuard("stop-sampling", StateSampling); err != nil {
		return err
	}
	if err := s.simpleCommand(ctx, "stop-sampling", protocol.CmdSetGeneral, protocol.CmdIDStartStopSampling, protocol.SamplingBody(false)); err != nil {
		return err
	}

	if err := s.commitTransition("stop-sampling", StateIdle); err != nil {
		return err
	}
	s.events.OnEvent(livox.Event{Kind: livox.EventSamplingStopped})
	return nil
}

// SetMode requests a device operating mode. The device state changes
// asynchronously; observe DeviceState for the result.
func (s *Session) SetMode(ctx context.Context, mode livox.LidarMode) error {
	if err := s.transitionGuard("set-mode", StateIdle, StateSampling); err != nil {
		return err
	}
	return s.simpleCommand(ctx, "set-mode", protocol.CmdSetLidar, protocol.CmdIDSetMode, protocol.ModeBody(mode))
}

// SetCoordinateSystem selects the point encoding the device streams.
func (s *Session) SetCoordinateSystem(ctx context.Context, cs livox.CoordinateSystem) error {
	if err := s.transitionGuard("set-coordinate-system", StateIdle, StateSampling); err != nil {
		return err
	}
	return s.simpleCommand(ctx, "set-coordinate-system", protocol.CmdSetGeneral, protocol.CmdIDCoordinateSystem, protocol.CoordinateBody(cs))
}

// commitTransition records the state reached by an acknowledged
// command. If the session disconnected while the command was in flight,
// the terminal state stands and the caller gets ErrInvalidState.
func (s *Session) commitTransition(op string, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return &livox.ErrInvalidState{Op: op, State: s.state.String()}
	}
	s.state = next
	return nil
}

// transitionGuard rejects op unless the session is in one of the
// allowed states.
func (s *Session) transitionGuard(op string, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return &livox.ErrInvalidState{Op: op, State: s.state.String()}
}

// simpleCommand issues a request whose ack body is a bare return code.
func (s *Session) simpleCommand(ctx context.Context, op string, cmdSet, cmdID uint8, body []byte) error {
	frame, err := s.cmd.Request(ctx, cmdSet, cmdID, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	ret, err := protocol.ParseRetCode(frame.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ret != 0 {
		return &livox.DeviceError{Op: op, Code: ret}
	}
	return nil
}

// checkDeviceStatus logs edges of the data-header status word so a
// fault and its clearing each produce one line, not one per datagram.
func (s *Session) checkDeviceStatus(datagram []byte) {
	header, _, err := protocol.DecodeDataHeader(datagram)
	if err != nil {
		return
	}
	abnormal := header.AbnormalStatus()

	s.mu.Lock()
	changed := abnormal != s.lastAbnormal
	s.lastAbnormal = abnormal
	s.mu.Unlock()

	if !changed {
		return
	}
	if abnormal {
		log.Printf("Device %s reports abnormal status 0x%08x", s.desc.BroadcastCode, header.Status)
	} else {
		log.Printf("Device %s status cleared", s.desc.BroadcastCode)
	}
}

// dataLoop receives data datagrams for the life of the session. It
// never blocks on the command channel; a hung control exchange cannot
// stall point decoding. Datagrams arriving outside Sampling are
// counted and discarded.
func (s *Session) dataLoop(ctx context.Context) {
	buffer := make([]byte, dataBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.dataSock.SetReadDeadline(time.Now().Add(dataReadDeadline))
		n, _, err := s.dataSock.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("Data socket read error: %v", err)
			continue
		}

		s.stats.AddPacket(n)
		s.checkDeviceStatus(buffer[:n])

		if s.State() != StateSampling {
			continue
		}

		points, err := s.decoder.DecodePacket(buffer[:n])
		if err != nil {
			s.stats.AddDropped()
			s.events.OnEvent(livox.Event{Kind: livox.EventPacketDropped, Reason: err.Error()})
			continue
		}
		if len(points) == 0 {
			continue
		}
		s.stats.AddPoints(len(points))

		// Non-blocking emit: a slow consumer drops batches rather than
		// backing up the socket.
		select {
		case s.stream <- points:
		default:
			s.stats.AddDropped()
			s.events.OnEvent(livox.Event{Kind: livox.EventPacketDropped, Reason: "consumer backlog"})
		}
	}
}

// Disconnect tears the session down: a best-effort disconnect command,
// cancellation of in-flight requests (resolved as cancelled, not left
// to time out), release of both sockets and termination of the point
// stream. Idempotent; the terminal state is permanent and a new
// session must be constructed to reconnect.
func (s *Session) Disconnect() {
	s.disconnect("requested")
}

func (s *Session) disconnect(reason string) {
	s.disconnectOnce.Do(func() {
		if reason == "requested" {
			// Tell the device we are leaving so it stops streaming at once
			// rather than waiting out its own heartbeat window.
			ctx, cancel := context.WithTimeout(context.Background(), network.DefaultRequestTimeout)
			if _, err := s.cmd.Request(ctx, protocol.CmdSetGeneral, protocol.CmdIDDisconnect, nil); err != nil {
				log.Printf("Disconnect command failed (continuing teardown): %v", err)
			}
			cancel()
		}

		s.teardown(reason)
		s.events.OnEvent(livox.Event{Kind: livox.EventDisconnected, Reason: reason})
	})
}

// teardown releases every session resource. Runs on every exit path,
// including failed handshakes.
func (s *Session) teardown(reason string) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	s.cancel()
	s.cmd.Close()      // cancels pending requests, closes the command socket
	s.dataSock.Close() // unblocks the data loop
	s.ioWG.Wait()
	s.hbWG.Wait()
	close(s.stream)

	log.Printf("Session with %s closed: %s", s.desc.BroadcastCode, reason)
}
