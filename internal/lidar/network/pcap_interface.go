// Package network captures the raw serial stream of a lidar to pcap files
// and replays it. Each chunk read from the port is stored as the payload of
// a UDP datagram, so captures open in any pcap tool.
package network

import (
	"io"
	"sync"
	"time"
)

// CapturePort is the UDP port chunks are written to.
const CapturePort = 2368

// PCAPPacket is one captured serial chunk.
type PCAPPacket struct {
	Data      []byte
	Timestamp time.Time
}

// PCAPReader reads captured chunks in order.
type PCAPReader interface {
	// NextPacket returns the next chunk, or io.EOF when none are left.
	NextPacket() (*PCAPPacket, error)

	// Close releases the reader.
	Close() error
}

// MockPCAPReader implements PCAPReader for testing.
type MockPCAPReader struct {
	mu sync.Mutex

	// Packets holds the chunks to return from NextPacket.
	Packets []PCAPPacket

	// ReadIndex tracks the current position in Packets.
	ReadIndex int

	// Closed indicates whether Close was called.
	Closed bool
}

// NewMockPCAPReader creates a new MockPCAPReader with the given packets.
func NewMockPCAPReader(packets []PCAPPacket) *MockPCAPReader {
	return &MockPCAPReader{Packets: packets}
}

func (m *MockPCAPReader) NextPacket() (*PCAPPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed || m.ReadIndex >= len(m.Packets) {
		return nil, io.EOF
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	return &pkt, nil
}

func (m *MockPCAPReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// AddPacket adds a packet to the mock reader.
func (m *MockPCAPReader) AddPacket(data []byte, timestamp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Packets = append(m.Packets, PCAPPacket{Data: data, Timestamp: timestamp})
}
