package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/timeutil"
)

// FileReader reads the chunks of a pcap capture. Datagrams not addressed to
// its port are skipped.
type FileReader struct {
	r      *pcapgo.Reader
	closer io.Closer
	port   layers.UDPPort
}

// NewFileReader reads a pcap stream from r.
func NewFileReader(r io.Reader, port int) (*FileReader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	fr := &FileReader{r: pr, port: layers.UDPPort(port)}
	if c, ok := r.(io.Closer); ok {
		fr.closer = c
	}
	return fr, nil
}

// OpenCaptureFile opens a capture written by Recorder.
func OpenCaptureFile(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	fr, err := NewFileReader(f, CapturePort)
	if err != nil {
		f.Close()
		return nil, err
	}
	return fr, nil
}

func (f *FileReader) NextPacket() (*PCAPPacket, error) {
	for {
		data, ci, err := f.r.ReadPacketData()
		if err != nil {
			return nil, err
		}
		packet := gopacket.NewPacket(data, f.r.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || udp.DstPort != f.port || len(udp.Payload) == 0 {
			continue
		}
		return &PCAPPacket{Data: udp.Payload, Timestamp: ci.Timestamp}, nil
	}
}

func (f *FileReader) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// ReplayConfig configures Replay.
type ReplayConfig struct {
	// SpeedMultiplier paces chunks relative to their capture times
	// (1.0 = real time, 2.0 = twice as fast). Zero replays as fast as possible.
	SpeedMultiplier float64
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets  int           `json:"packets"`
	Bytes    int           `json:"bytes"`
	Captured time.Duration `json:"captured"`
}

// Replay hands every chunk of reader to sink in order. It returns when the
// reader is exhausted, ctx is cancelled or sink fails.
func Replay(ctx context.Context, reader PCAPReader, cfg ReplayConfig, sink func(PCAPPacket) error) (ReplayStats, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logf := monitoring.Component("replay")

	var stats ReplayStats
	var first, last time.Time
	for {
		if err := ctx.Err(); err != nil {
			logf("stopping due to context cancellation (processed %d packets)", stats.Packets)
			return stats, err
		}
		pkt, err := reader.NextPacket()
		if errors.Is(err, io.EOF) {
			if !first.IsZero() {
				stats.Captured = last.Sub(first)
			}
			return stats, nil
		}
		if err != nil {
			return stats, err
		}

		if first.IsZero() {
			first = pkt.Timestamp
		} else if cfg.SpeedMultiplier > 0 {
			if gap := pkt.Timestamp.Sub(last); gap > 0 {
				clock.Sleep(time.Duration(float64(gap) / cfg.SpeedMultiplier))
			}
		}
		last = pkt.Timestamp

		if err := sink(*pkt); err != nil {
			return stats, err
		}
		stats.Packets++
		stats.Bytes += len(pkt.Data)
	}
}
