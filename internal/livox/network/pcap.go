//go:build pcap
// +build pcap

package network

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/decode"
)

// ReplayPCAPFile feeds recorded data-channel datagrams through the
// decoder and into sink, as if they had arrived from a live device.
// Only available when building with the 'pcap' build tag.
func ReplayPCAPFile(ctx context.Context, pcapFile string, udpPort int, decoder *decode.Decoder, sink livox.PointSink, stats *livox.PacketStats) error {
	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	// Only replay datagrams on the data channel port.
	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	log.Printf("PCAP BPF filter set: %s", filterStr)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	totalPoints := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Printf("PCAP replay stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				elapsed := time.Since(startTime)
				log.Printf("PCAP replay complete: %d packets, %d points in %v", packetCount, totalPoints, elapsed)
				return nil
			}

			packetCount++

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok {
				continue
			}

			payload := udp.Payload
			if len(payload) == 0 {
				continue
			}

			if stats != nil {
				stats.AddPacket(len(payload))
			}

			points, err := decoder.DecodePacket(payload)
			if err != nil {
				if stats != nil {
					stats.AddDropped()
				}
				log.Printf("Error decoding PCAP packet %d: %v", packetCount, err)
				continue
			}

			if stats != nil {
				stats.AddPoints(len(points))
			}
			totalPoints += len(points)

			if sink != nil {
				if err := sink.OnPointBatch(points); err != nil {
					return fmt.Errorf("point sink failed on packet %d: %w", packetCount, err)
				}
			}

			if packetCount%10000 == 0 {
				elapsed := time.Since(startTime)
				log.Printf("PCAP progress: %d packets processed in %v (%.0f pkt/s)",
					packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
			}
		}
	}
}
