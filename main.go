package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/decode"
	"github.com/banshee-data/livox/internal/livox/network"
	"github.com/banshee-data/livox/internal/livox/record"
	"github.com/banshee-data/livox/internal/livox/session"
)

var (
	broadcastCode = flag.String("broadcast-code", "", "Broadcast code of the unit to capture from (empty accepts the first unit heard)")
	hostIP        = flag.String("host-ip", "", "IPv4 address of the local interface facing the unit (required for live capture)")
	dbFile        = flag.String("db", "livox_points.db", "SQLite capture database")
	duration      = flag.Duration("duration", 0, "Stop sampling after this long (0 runs until interrupted)")
	statsInterval = flag.Duration("stats-interval", 10*time.Second, "How often to log throughput statistics")
	pcapFile      = flag.String("pcap", "", "Replay data packets from a PCAP file instead of a live unit")
	pcapPort      = flag.Int("pcap-port", 60001, "UDP port the data channel used in the PCAP file")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := record.NewStore(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open capture database: %v", err)
	}
	defer store.Close()

	stats := livox.NewPacketStats()

	if *pcapFile != "" {
		if err := replayCapture(ctx, store, stats); err != nil && err != context.Canceled {
			log.Fatalf("PCAP replay failed: %v", err)
		}
		return
	}

	if err := liveCapture(ctx, store, stats, nil); err != nil && err != context.Canceled {
		log.Fatalf("Capture failed: %v", err)
	}
}

// replayCapture decodes a recorded data-channel PCAP straight into the
// capture store.
func replayCapture(ctx context.Context, store *record.Store, stats *livox.PacketStats) error {
	id, err := store.BeginCapture("pcap:" + *pcapFile)
	if err != nil {
		return err
	}
	defer store.EndCapture()
	log.Printf("Replaying %s into capture %s", *pcapFile, id)

	return network.ReplayPCAPFile(ctx, *pcapFile, *pcapPort, decode.NewDecoder(0), store, stats)
}

// liveCapture discovers a unit, drives it through the sampling
// lifecycle, and streams decoded points into the capture store. A nil
// factory selects real UDP sockets.
func liveCapture(ctx context.Context, store *record.Store, stats *livox.PacketStats, factory network.UDPSocketFactory) error {
	ip := net.ParseIP(*hostIP)
	if ip == nil || ip.To4() == nil {
		log.Fatal("A valid IPv4 -host-ip is required for live capture")
	}

	// The broadcast listener runs under its own context: once the unit is
	// found it must stop on its own, not hold the process open until a
	// signal arrives.
	discCtx, discCancel := context.WithCancel(ctx)
	discoverer := session.NewDiscoverer(factory)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := discoverer.Listen(discCtx); err != nil {
			log.Printf("Discovery listener stopped: %v", err)
		}
	}()
	defer func() {
		discCancel()
		wg.Wait()
	}()

	log.Printf("Waiting for unit broadcast (code %q)", *broadcastCode)
	desc, err := discoverer.WaitForDevice(discCtx, *broadcastCode)
	if err != nil {
		return err
	}
	discCancel()
	log.Printf("Discovered unit %s (type %d) at %s", desc.BroadcastCode, desc.DeviceType, desc.Addr)

	sess, err := session.Connect(ctx, desc, session.Config{
		HostIP:        ip,
		SocketFactory: factory,
		Stats:         stats,
		Events: livox.EventFunc(func(e livox.Event) {
			log.Printf("Session event: %s", e)
		}),
	})
	if err != nil {
		return err
	}
	defer sess.Disconnect()

	captureID, err := store.BeginCapture(desc.BroadcastCode)
	if err != nil {
		return err
	}
	log.Printf("Recording into capture %s", captureID)

	if err := sess.StartSampling(ctx); err != nil {
		return err
	}

	sampleCtx := ctx
	if *duration > 0 {
		var cancel context.CancelFunc
		sampleCtx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	statsTicker := time.NewTicker(*statsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case batch, ok := <-sess.Points():
			if !ok {
				// The session tore down, usually after heartbeat loss.
				return store.EndCapture()
			}
			if err := store.OnPointBatch(batch); err != nil {
				log.Printf("Failed to record %d points: %v", len(batch), err)
			}

		case <-statsTicker.C:
			stats.LogStats()

		case <-sampleCtx.Done():
			log.Print("Stopping capture")
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := sess.StopSampling(stopCtx); err != nil {
				log.Printf("Failed to stop sampling cleanly: %v", err)
			}
			cancel()
			return store.EndCapture()
		}
	}
}
