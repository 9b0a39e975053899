package network

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/protocol"
)

func heartbeatAckBody(state livox.LidarState) []byte {
	body := make([]byte, 7)
	body[1] = uint8(state)
	binary.LittleEndian.PutUint32(body[3:7], 0)
	return body
}

// answerHeartbeats wires the fake socket to acknowledge every heartbeat
// request. When failAfter is non-negative, acks stop after that many.
func answerHeartbeats(sock *fakeSocket, state livox.LidarState, failAfter int) {
	answered := 0
	sock.onWrite = func(pkt []byte) {
		req, err := protocol.DecodeControlFrame(pkt)
		if err != nil || req.CmdID != protocol.CmdIDHeartbeat {
			return
		}
		if failAfter >= 0 && answered >= failAfter {
			return
		}
		answered++
		sock.inject(ackFor(req, heartbeatAckBody(state)))
	}
}

func TestHeartbeatAckResetsAndReportsState(t *testing.T) {
	sock := newFakeSocket()
	answerHeartbeats(sock, livox.LidarStateNormal, -1)

	client := NewCommandClient(sock, testRemote, 200*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Start(ctx)

	var mu sync.Mutex
	var states []livox.LidarState
	hb := NewHeartbeat(client, 30*time.Millisecond, 3,
		func(ack *protocol.HeartbeatAck) {
			mu.Lock()
			states = append(states, ack.State)
			mu.Unlock()
		},
		func() { t.Error("onFailure fired with a healthy link") })

	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, 0, hb.Misses())
	mu.Lock()
	assert.Equal(t, livox.LidarStateNormal, states[0])
	mu.Unlock()
}

func TestHeartbeatThresholdFiresOnce(t *testing.T) {
	sock := newFakeSocket() // never answers
	client := NewCommandClient(sock, testRemote, 30*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Start(ctx)

	failures := 0
	hb := NewHeartbeat(client, 20*time.Millisecond, 3, nil, func() { failures++ })

	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat monitor did not stop after crossing the miss threshold")
	}

	assert.Equal(t, 1, failures, "disconnect must fire exactly once")
	assert.Equal(t, 3, hb.Misses(), "threshold crossed after exactly N consecutive misses")
}

func TestHeartbeatMissCountConcurrentReads(t *testing.T) {
	sock := newFakeSocket() // never answers
	client := NewCommandClient(sock, testRemote, 30*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Start(ctx)

	hb := NewHeartbeat(client, 20*time.Millisecond, 3, nil, nil)

	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	// Poll the miss counter while the monitor is accumulating misses; the
	// counter must be readable from another goroutine at any time.
	deadline := time.After(5 * time.Second)
	observed := 0
	for {
		select {
		case <-done:
			assert.Equal(t, 3, hb.Misses())
			assert.GreaterOrEqual(t, observed, 1)
			return
		case <-deadline:
			t.Fatal("heartbeat monitor did not stop after crossing the miss threshold")
		case <-time.After(time.Millisecond):
			if hb.Misses() > 0 {
				observed++
			}
		}
	}
}

func TestHeartbeatRecoveryBeforeThreshold(t *testing.T) {
	sock := newFakeSocket()

	// Drop the first two heartbeats, then answer everything: the miss
	// counter must return to zero without tripping the threshold.
	var mu sync.Mutex
	dropped := 0
	sock.onWrite = func(pkt []byte) {
		req, err := protocol.DecodeControlFrame(pkt)
		if err != nil {
			return
		}
		mu.Lock()
		drop := dropped < 2
		if drop {
			dropped++
		}
		mu.Unlock()
		if !drop {
			sock.inject(ackFor(req, heartbeatAckBody(livox.LidarStateNormal)))
		}
	}

	client := NewCommandClient(sock, testRemote, 30*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Start(ctx)

	acks := make(chan struct{}, 16)
	hb := NewHeartbeat(client, 20*time.Millisecond, 3,
		func(*protocol.HeartbeatAck) { acks <- struct{}{} },
		func() { t.Error("threshold fired despite recovery") })

	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	select {
	case <-acks:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat ack after recovery")
	}

	assert.Equal(t, 0, hb.Misses(), "a successful reply resets the miss counter")
	cancel()
	<-done
}
