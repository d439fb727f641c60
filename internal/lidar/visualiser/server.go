// Package visualiser streams published scans to remote viewers over gRPC.
package visualiser

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cogip/shmlidar/internal/lidar/publish"
	"github.com/cogip/shmlidar/internal/monitoring"
)

// Config holds configuration for the scan stream server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string
	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int
	// ClientBuffer is the number of scans queued per client before dropping
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   5,
		ClientBuffer: 4,
	}
}

// Server fans published scans out to streaming clients. It is a
// publish.Sink; a client that falls behind loses scans rather than slowing
// the publisher.
type Server struct {
	config Config
	logf   func(format string, v ...interface{})

	clientsMu sync.RWMutex
	clients   map[uint64]chan *structpb.Struct
	nextID    uint64

	sent    atomic.Uint64
	dropped atomic.Uint64

	grpcServer *grpc.Server
}

var (
	_ ScanStreamServer = (*Server)(nil)
	_ publish.Sink     = (*Server)(nil)
)

func NewServer(cfg Config) *Server {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Server{
		config:  cfg,
		logf:    monitoring.Component("gRPC"),
		clients: make(map[uint64]chan *structpb.Struct),
	}
}

// ScanPublished implements publish.Sink.
func (s *Server) ScanPublished(p *publish.Published) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	msg, err := ScanToStruct(p)
	if err != nil {
		s.logf("encode scan %d: %v", p.Seq, err)
		return
	}
	for _, ch := range s.clients {
		select {
		case ch <- msg:
		default:
			s.dropped.Add(1)
		}
	}
}

// StreamScans implements ScanStreamServer.
func (s *Server) StreamScans(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	id, ch, err := s.addClient()
	if err != nil {
		return err
	}
	defer s.removeClient(id)
	s.logf("client %d connected", id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.logf("client %d disconnected", id)
			return nil
		case msg := <-ch:
			if err := stream.Send(msg); err != nil {
				s.logf("send to client %d: %v", id, err)
				return err
			}
			s.sent.Add(1)
		}
	}
}

func (s *Server) addClient() (uint64, chan *structpb.Struct, error) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.config.MaxClients > 0 && len(s.clients) >= s.config.MaxClients {
		return 0, nil, fmt.Errorf("too many clients (max %d)", s.config.MaxClients)
	}
	s.nextID++
	ch := make(chan *structpb.Struct, s.config.ClientBuffer)
	s.clients[s.nextID] = ch
	return s.nextID, ch, nil
}

func (s *Server) removeClient(id uint64) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, id)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ServerStats counts streamed scans.
type ServerStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

func (s *Server) Stats() ServerStats {
	return ServerStats{Clients: s.ClientCount(), Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

// Serve registers the service on a new grpc.Server and serves lis until
// Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	gs := grpc.NewServer()
	RegisterScanStreamServer(gs, s)
	s.clientsMu.Lock()
	s.grpcServer = gs
	s.clientsMu.Unlock()
	s.logf("serving scans on %s", lis.Addr())
	return gs.Serve(lis)
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(lis)
}

// Stop stops the gRPC server, closing every stream.
func (s *Server) Stop() {
	s.clientsMu.RLock()
	gs := s.grpcServer
	s.clientsMu.RUnlock()
	if gs != nil {
		gs.Stop()
	}
}
