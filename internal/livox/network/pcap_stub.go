//go:build !pcap
// +build !pcap

package network

import (
	"context"
	"fmt"

	"github.com/banshee-data/livox/internal/livox"
	"github.com/banshee-data/livox/internal/livox/decode"
)

// ReplayPCAPFile is a stub when PCAP support is disabled.
// Build with -tags=pcap to enable replay from capture files.
func ReplayPCAPFile(ctx context.Context, pcapFile string, udpPort int, decoder *decode.Decoder, sink livox.PointSink, stats *livox.PacketStats) error {
	return fmt.Errorf("PCAP support not enabled: rebuild with -tags=pcap to enable replay")
}
