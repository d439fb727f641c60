package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/timeutil"
)

const (
	snapLen = 65536
	// maxChunkPayload keeps every datagram below the IPv4 size limit.
	maxChunkPayload = 65000
)

var (
	captureSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	captureDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	captureIP     = net.IPv4(127, 0, 0, 1).To4()
)

// CaptureStats counts recorded chunks.
type CaptureStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Recorder writes serial chunks to a pcap stream.
type Recorder struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	clock  timeutil.Clock
	stats  CaptureStats
	logf   func(format string, v ...interface{})
}

// NewRecorder writes the pcap file header to w. clock may be nil.
func NewRecorder(w io.Writer, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	r := &Recorder{w: pw, clock: clock, logf: monitoring.Component("capture")}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

// CreateCaptureFile creates path and returns a Recorder writing to it.
func CreateCaptureFile(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture %s: %w", path, err)
	}
	r, err := NewRecorder(f, nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// WriteChunk stores chunk with timestamp ts, split into several datagrams
// when it does not fit one.
func (r *Recorder) WriteChunk(ts time.Time, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(chunk) > 0 {
		n := min(len(chunk), maxChunkPayload)
		frame, err := encapsulate(chunk[:n])
		if err != nil {
			return err
		}
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}
		if err := r.w.WritePacket(ci, frame); err != nil {
			return fmt.Errorf("write pcap packet: %w", err)
		}
		r.stats.Packets++
		r.stats.Bytes += uint64(n)
		chunk = chunk[n:]
	}
	return nil
}

func encapsulate(payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       captureSrcMAC,
		DstMAC:       captureDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    captureIP,
		DstIP:    captureIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(CapturePort),
		DstPort: layers.UDPPort(CapturePort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serialize chunk: %w", err)
	}
	return buf.Bytes(), nil
}

// Record writes every chunk received on chunks until the channel is closed
// or ctx is cancelled. A failed write is logged and recording continues.
func (r *Recorder) Record(ctx context.Context, chunks <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if err := r.WriteChunk(r.clock.Now(), chunk); err != nil {
				r.logf("%v", err)
			}
		}
	}
}

// Stats returns the recorded totals.
func (r *Recorder) Stats() CaptureStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close closes the underlying writer when it is an io.Closer.
func (r *Recorder) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
