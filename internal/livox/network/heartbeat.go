package network

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/protocol"
)

// Heartbeat timing defaults. The device drops a host that stays silent
// for a few seconds, so the period must stay well under that window.
const (
	DefaultHeartbeatPeriod = time.Second
	DefaultMissThreshold   = 3
)

// Heartbeat issues periodic liveness requests through the command
// channel and declares the device unreachable after a bounded number of
// consecutive misses.
//
// A miss is a heartbeat that exhausted the command channel's own retry
// policy; the monitor never adds retries of its own. Any successful
// reply resets the miss counter to zero.
type Heartbeat struct {
	client    *CommandClient
	period    time.Duration
	threshold int

	// onAck is called with each successful heartbeat acknowledgement,
	// carrying the device-reported state. onFailure is called exactly once
	// when the miss counter crosses the threshold, after which the monitor
	// stops.
	onAck     func(*protocol.HeartbeatAck)
	onFailure func()

	// misses is written by the Run goroutine and read by callers through
	// Misses while the monitor is live.
	misses atomic.Int32
}

// NewHeartbeat creates a monitor on client. Zero period or threshold
// select the defaults. Callbacks may be nil.
func NewHeartbeat(client *CommandClient, period time.Duration, threshold int, onAck func(*protocol.HeartbeatAck), onFailure func()) *Heartbeat {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	if threshold <= 0 {
		threshold = DefaultMissThreshold
	}
	return &Heartbeat{
		client:    client,
		period:    period,
		threshold: threshold,
		onAck:     onAck,
		onFailure: onFailure,
	}
}

// Misses returns the current consecutive-miss count.
func (h *Heartbeat) Misses() int { return int(h.misses.Load()) }

// Run executes the heartbeat loop until ctx is cancelled or the miss
// threshold is crossed. It issues one heartbeat immediately so a dead
// link is detected without waiting out the first period.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	if !h.tick(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.tick(ctx) {
				return
			}
		}
	}
}

// tick issues one heartbeat and updates the miss counter. It returns
// false when the monitor should stop.
func (h *Heartbeat) tick(ctx context.Context) bool {
	frame, err := h.client.Request(ctx, protocol.CmdSetGeneral, protocol.CmdIDHeartbeat, nil)
	switch {
	case err == nil:
		h.misses.Store(0)
		ack, err := protocol.ParseHeartbeatAck(frame.Body)
		if err != nil {
			// A well-framed but short ack still proves liveness.
			log.Printf("Heartbeat ack parse failed: %v", err)
			return true
		}
		if h.onAck != nil {
			h.onAck(ack)
		}
		return true

	case errors.Is(err, livox.ErrCancelled):
		return false

	case errors.Is(err, livox.ErrTimeout):
		misses := int(h.misses.Add(1))
		log.Printf("Heartbeat miss %d of %d", misses, h.threshold)
		if misses >= h.threshold {
			if h.onFailure != nil {
				h.onFailure()
			}
			return false
		}
		return true

	default:
		// Socket-level failure: treat like a miss so a broken link still
		// trips the threshold rather than spinning.
		misses := int(h.misses.Add(1))
		log.Printf("Heartbeat error (miss %d of %d): %v", misses, h.threshold, err)
		if misses >= h.threshold {
			if h.onFailure != nil {
				h.onFailure()
			}
			return false
		}
		return true
	}
}
