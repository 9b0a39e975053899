// Package network implements the two UDP channels of a Livox session:
// the command channel with request/acknowledge correlation and retries,
// and the heartbeat monitor that keeps the device alive.
//
// The command channel layers reliable-ish request/response semantics
// over unreliable UDP. Each request is framed with a fresh sequence id
// and registered in a pending table; a background receive loop matches
// inbound acknowledgements by sequence id and opcode, discards frames
// that fail checksum validation or match nothing, and sweeps entries
// past their deadline. A pending request resolves exactly once, so a
// late duplicate ack matches nothing and is discarded rather than
// treated as an error.
package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/protocol"
)

// Command-channel timing defaults. Acknowledgements normally arrive
// within a few milliseconds on a local segment; the timeout only has to
// cover scheduling jitter and the occasional lost datagram.
const (
	DefaultRequestTimeout = 500 * time.Millisecond
	DefaultRetries        = 2

	// readDeadline bounds each socket read so cancellation and the pending
	// sweep are detected even under total packet loss.
	readDeadline = 100 * time.Millisecond
)

// pendingRequest is one outstanding command-channel call, keyed by the
// sequence id it was sent with. It resolves exactly once through the
// result channel; whichever path removes it from the table delivers.
type pendingRequest struct {
	seq      uint16
	cmdSet   uint8
	cmdID    uint8
	created  time.Time
	deadline time.Time
	result   chan requestResult
}

type requestResult struct {
	frame *protocol.ControlFrame
	err   error
}

// CommandClient drives the command socket for one session. Requests may
// be issued from multiple goroutines; the receive loop runs in a single
// goroutine started by Start.
type CommandClient struct {
	sock    UDPSocket
	remote  *net.UDPAddr
	timeout time.Duration
	retries int

	mu      sync.Mutex
	seq     uint16
	pending map[uint16]*pendingRequest
	closed  bool
}

// NewCommandClient creates a client sending requests to remote over
// sock. Zero timeout/negative retries select the defaults.
func NewCommandClient(sock UDPSocket, remote *net.UDPAddr, timeout time.Duration, retries int) *CommandClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if retries < 0 {
		retries = DefaultRetries
	}
	return &CommandClient{
		sock:    sock,
		remote:  remote,
		timeout: timeout,
		retries: retries,
		pending: make(map[uint16]*pendingRequest),
	}
}

// LocalPort returns the host-side port of the command socket, as
// advertised to the device during the handshake.
func (c *CommandClient) LocalPort() int {
	if addr, ok := c.sock.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Start runs the receive loop until ctx is cancelled or the client is
// closed. It never returns a frame-level error: corrupt datagrams and
// unknown sequence ids are discarded where they are detected.
func (c *CommandClient) Start(ctx context.Context) {
	buffer := make([]byte, protocol.MaxFrameSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.sock.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := c.sock.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.sweepExpired()
				continue
			}
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			log.Printf("Command socket read error: %v", err)
			c.sweepExpired()
			continue
		}

		if frame, err := protocol.DecodeControlFrame(buffer[:n]); err == nil {
			c.dispatch(frame)
		}
		// Frames failing validation are dropped silently: corruption on
		// UDP is expected, not exceptional.

		c.sweepExpired()
	}
}

// Request frames and transmits one command, then waits for the matching
// acknowledgement. On timeout the request is retried with a fresh
// sequence id, a bounded number of times, before reporting
// livox.ErrTimeout. Cancellation via ctx resolves livox.ErrCancelled.
func (c *CommandClient) Request(ctx context.Context, cmdSet, cmdID uint8, body []byte) (*protocol.ControlFrame, error) {
	attempts := 1 + c.retries
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		frame, err := c.requestOnce(ctx, cmdSet, cmdID, body)
		if err == nil {
			return frame, nil
		}
		lastErr = err
		if !errors.Is(err, livox.ErrTimeout) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("command (%d,%d) failed after %d attempts: %w", cmdSet, cmdID, attempts, lastErr)
}

// requestOnce performs a single send/wait cycle.
func (c *CommandClient) requestOnce(ctx context.Context, cmdSet, cmdID uint8, body []byte) (*protocol.ControlFrame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, livox.ErrCancelled
	}
	seq := c.seq
	c.seq++ // wraps at 16 bits with the type
	req := &pendingRequest{
		seq:      seq,
		cmdSet:   cmdSet,
		cmdID:    cmdID,
		created:  time.Now(),
		deadline: time.Now().Add(c.timeout),
		result:   make(chan requestResult, 1),
	}
	c.pending[seq] = req
	c.mu.Unlock()

	raw := protocol.EncodeControlFrame(seq, protocol.CmdTypeRequest, cmdSet, cmdID, body)
	if _, err := c.sock.WriteToUDP(raw, c.remote); err != nil {
		c.resolve(seq, nil, fmt.Errorf("command send failed: %w", err))
	}

	select {
	case res := <-req.result:
		return res.frame, res.err
	case <-ctx.Done():
		c.resolve(seq, nil, livox.ErrCancelled)
		res := <-req.result
		return res.frame, res.err
	}
}

// dispatch completes the pending request matching an inbound frame.
// Acks with an unknown or already-resolved sequence id are discarded;
// matching against a removed entry is a no-op by design of the table.
func (c *CommandClient) dispatch(frame *protocol.ControlFrame) {
	if frame.CmdType != protocol.CmdTypeAck {
		return
	}

	c.mu.Lock()
	req, ok := c.pending[frame.Seq]
	if ok && (req.cmdSet != frame.CmdSet || req.cmdID != frame.CmdID) {
		// Sequence collision with a different opcode: not our reply.
		ok = false
		req = nil
	}
	if ok {
		delete(c.pending, frame.Seq)
	}
	c.mu.Unlock()

	if ok {
		req.result <- requestResult{frame: frame}
	}
}

// sweepExpired times out pending requests past their deadline. Each
// entry resolves exactly once: removal from the table under the lock is
// the linearisation point.
func (c *CommandClient) sweepExpired() {
	now := time.Now()
	var expired []*pendingRequest

	c.mu.Lock()
	for seq, req := range c.pending {
		if now.After(req.deadline) {
			delete(c.pending, seq)
			expired = append(expired, req)
		}
	}
	c.mu.Unlock()

	for _, req := range expired {
		req.result <- requestResult{err: livox.ErrTimeout}
	}
}

// resolve completes a pending request with the given outcome if it is
// still outstanding.
func (c *CommandClient) resolve(seq uint16, frame *protocol.ControlFrame, err error) {
	c.mu.Lock()
	req, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if ok {
		req.result <- requestResult{frame: frame, err: err}
	}
}

// PendingCount returns the number of outstanding requests.
func (c *CommandClient) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *CommandClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close cancels every in-flight request with livox.ErrCancelled and
// closes the command socket. Safe to call more than once.
func (c *CommandClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancelled := make([]*pendingRequest, 0, len(c.pending))
	for seq, req := range c.pending {
		delete(c.pending, seq)
		cancelled = append(cancelled, req)
	}
	c.mu.Unlock()

	for _, req := range cancelled {
		req.result <- requestResult{err: livox.ErrCancelled}
	}
	return c.sock.Close()
}
