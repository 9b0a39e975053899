// Package session orchestrates a connection to one Livox unit: device
// discovery from broadcast announcements, the handshake, the
// Idle/Sampling state machine, heartbeat-driven liveness and the
// outward stream of decoded point batches.
package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/network"
	"github.com/banshee-data/livox/internal/livox/protocol"
)

// discoveryReadDeadline bounds each broadcast-socket read so the
// listener notices cancellation promptly.
const discoveryReadDeadline = 100 * time.Millisecond

// Discoverer listens on the broadcast port and collects device
// descriptors from the discovery frames every powered unit emits about
// once per second.
type Discoverer struct {
	factory network.UDPSocketFactory

	mu      sync.Mutex
	devices map[string]livox.DeviceDescriptor
	waiters []chan livox.DeviceDescriptor
}

// NewDiscoverer creates a Discoverer using factory to open the
// broadcast socket. A nil factory selects real UDP sockets.
func NewDiscoverer(factory network.UDPSocketFactory) *Discoverer {
	if factory == nil {
		factory = &network.RealUDPSocketFactory{}
	}
	return &Discoverer{
		factory: factory,
		devices: make(map[string]livox.DeviceDescriptor),
	}
}

// Listen receives broadcast frames until ctx is cancelled. It returns
// nil on cancellation; only the socket setup can fail.
func (d *Discoverer) Listen(ctx context.Context) error {
	sock, err := d.factory.ListenUDP("udp", &net.UDPAddr{Port: protocol.BroadcastListenPort})
	if err != nil {
		return fmt.Errorf("failed to listen on broadcast port %d: %w", protocol.BroadcastListenPort, err)
	}
	defer sock.Close()

	log.Printf("Discovery listening on %s", sock.LocalAddr())

	buffer := make([]byte, protocol.MaxFrameSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sock.SetReadDeadline(time.Now().Add(discoveryReadDeadline))
		n, addr, err := sock.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("Discovery read error: %v", err)
			continue
		}

		d.handleBroadcast(buffer[:n], addr)
	}
}

// handleBroadcast records one discovery frame. Frames failing checksum
// validation or carrying the wrong opcode are discarded.
func (d *Discoverer) handleBroadcast(data []byte, addr *net.UDPAddr) {
	frame, err := protocol.DecodeControlFrame(data)
	if err != nil {
		return
	}
	if frame.CmdSet != protocol.CmdSetGeneral || frame.CmdID != protocol.CmdIDBroadcast {
		return
	}

	code, devType, err := protocol.ParseBroadcast(frame.Body)
	if err != nil {
		return
	}

	desc := livox.DeviceDescriptor{
		BroadcastCode: code,
		DeviceType:    devType,
		Addr:          addr,
		CommandPort:   protocol.DeviceCommandPort,
	}

	d.mu.Lock()
	_, known := d.devices[code]
	d.devices[code] = desc
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	if !known {
		log.Printf("Discovered device %s (type %d)", desc, devType)
	}
	for _, w := range waiters {
		w <- desc
	}
}

// Devices returns a snapshot of every device heard from so far.
func (d *Discoverer) Devices() []livox.DeviceDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]livox.DeviceDescriptor, 0, len(d.devices))
	for _, desc := range d.devices {
		out = append(out, desc)
	}
	return out
}

// WaitForDevice blocks until a device with the given broadcast code is
// heard, or any device when code is empty. Listen must be running.
func (d *Discoverer) WaitForDevice(ctx context.Context, code string) (livox.DeviceDescriptor, error) {
	for {
		d.mu.Lock()
		if code == "" {
			for _, desc := range d.devices {
				d.mu.Unlock()
				return desc, nil
			}
		} else if desc, ok := d.devices[code]; ok {
			d.mu.Unlock()
			return desc, nil
		}
		w := make(chan livox.DeviceDescriptor, 1)
		d.waiters = append(d.waiters, w)
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return livox.DeviceDescriptor{}, &livox.ErrConnect{Stage: "discovery", Err: ctx.Err()}
		case desc := <-w:
			if code == "" || desc.BroadcastCode == code {
				return desc, nil
			}
		}
	}
}
