// Package serialmux owns the serial connection to a lidar. A single monitor
// goroutine reads the binary stream into a buffer that one protocol driver
// consumes with timeouts, while any number of subscribers (the debug tail,
// the capture recorder) receive copies of every raw chunk.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrReadTimeout is returned when no data arrives before the deadline.
	ErrReadTimeout = errors.New("serial read timed out")
	// ErrClosed is returned once the port is closed and the buffer drained.
	ErrClosed = errors.New("serial port closed")
)

// maxBuffered bounds the unread input; the oldest bytes are dropped beyond it.
const maxBuffered = 64 * 1024

const readChunkSize = 4096

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to raw input from a single serial port while one consumer reads it.
type SerialMux[T SerialPorter] struct {
	port T

	mu      sync.Mutex
	buf     []byte
	arrived chan struct{} // closed and replaced whenever input arrives
	closed  bool
	cause   error
	dropped uint64

	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		arrived:     make(chan struct{}),
		subscribers: make(map[string]chan []byte),
	}
}

// Port returns the underlying port.
func (s *SerialMux[T]) Port() T { return s.port }

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a channel receiving a copy of every chunk read from the
// port. Chunks are dropped for a subscriber that is not keeping up.
func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	id := randomID()
	ch := make(chan []byte, 64)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes raw command bytes to the port.
func (s *SerialMux[T]) SendCommand(command []byte) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write(command)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// SetDTR drives the DTR line when the port supports it.
func (s *SerialMux[T]) SetDTR(dtr bool) error {
	if p, ok := any(s.port).(ControlLinePorter); ok {
		return p.SetDTR(dtr)
	}
	return nil
}

// Flush discards all unread input.
func (s *SerialMux[T]) Flush() {
	if p, ok := any(s.port).(InputFlusher); ok {
		if err := p.ResetInputBuffer(); err != nil {
			log.Printf("serialmux: failed to reset input buffer: %v", err)
		}
	}
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// Available returns the number of unread bytes.
func (s *SerialMux[T]) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Dropped returns the number of input bytes discarded because the consumer
// fell behind.
func (s *SerialMux[T]) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// WaitForData blocks until at least n bytes are buffered or timeout elapses.
// It returns the number of bytes available.
func (s *SerialMux[T]) WaitForData(n int, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		avail, closed, cause, arrived := len(s.buf), s.closed, s.cause, s.arrived
		s.mu.Unlock()

		if avail >= n {
			return avail, nil
		}
		if closed {
			return avail, s.closedErr(cause)
		}
		select {
		case <-arrived:
		case <-deadline.C:
			return avail, ErrReadTimeout
		}
	}
}

// Read copies buffered input into p, waiting up to timeout for at least one
// byte.
func (s *SerialMux[T]) Read(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := s.WaitForData(1, timeout); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.buf)
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
	return n, nil
}

// ReadFull reads exactly len(p) bytes, waiting up to timeout for all of them.
func (s *SerialMux[T]) ReadFull(p []byte, timeout time.Duration) error {
	if _, err := s.WaitForData(len(p), timeout); err != nil {
		return err
	}
	_, err := s.Read(p, 0)
	return err
}

func (s *SerialMux[T]) closedErr(cause error) error {
	if cause != nil && !errors.Is(cause, io.EOF) {
		return fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	return ErrClosed
}

// deliver appends a chunk to the buffer and fans it out to subscribers.
func (s *SerialMux[T]) deliver(chunk []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, chunk...)
	if over := len(s.buf) - maxBuffered; over > 0 {
		s.buf = s.buf[:copy(s.buf, s.buf[over:])]
		s.dropped += uint64(over)
	}
	close(s.arrived)
	s.arrived = make(chan struct{})
	s.mu.Unlock()

	s.subscriberMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- chunk:
		default:
			// if the channel is full/blocking skip so as not to block the reader
		}
	}
	s.subscriberMu.Unlock()
}

func (s *SerialMux[T]) markClosed(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cause = cause
	close(s.arrived)
	s.arrived = make(chan struct{})
}

// Monitor reads the serial port until ctx is cancelled, the port fails or the
// mux is closed. Readers are released with ErrClosed once it returns.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking port read runs in its own goroutine so that the outer loop
	// can react to cancellation.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, readChunkSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErrChan <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.markClosed(ctx.Err())
			return ctx.Err()

		case chunk, ok := <-chunkChan:
			if !ok {
				var err error
				select {
				case err = <-readErrChan:
				default:
				}
				s.markClosed(err)
				if err == nil || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			s.deliver(chunk)
		}
	}
}

// Close closes all subscribed channels and closes the serial port.
func (s *SerialMux[T]) Close() error {
	s.markClosed(nil)

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}
