package shm

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/multierr"
)

// semSize is sizeof(sem_t) on 64-bit glibc.
const semSize = 32

// The int following the 64-bit word selects the futex flavour glibc waits
// with. sem_open stores FUTEX_SHARED there; 0 would make C waiters sleep on a
// process-private futex that a Post from another process never wakes.
const (
	semPrivateOffset = 8
	semFutexShared   = 128
)

const (
	semValueMask     = uint64(math.MaxUint32)
	semNwaitersShift = 32
	semOneWaiter     = uint64(1) << semNwaitersShift
)

// Semaphore is a named counting semaphore shared between processes.
//
// The backing word follows glibc's 64-bit new_sem layout: the value sits in
// the low 32 bits (which double as the futex word on little-endian hosts) and
// the number of sleeping waiters in the high 32 bits.
type Semaphore struct {
	name  string
	owner bool
	m     *mapping
	word  *uint64
}

// CreateSemaphore creates (or replaces) the semaphore name with value.
func CreateSemaphore(ns Namespace, name string, value uint32) (*Semaphore, error) {
	init := make([]byte, semSize)
	binary.LittleEndian.PutUint32(init, value)
	binary.LittleEndian.PutUint32(init[semPrivateOffset:], semFutexShared)
	m, err := createObject(ns.SemPath(name), semSize, init)
	if err != nil {
		return nil, err
	}
	return newSemaphore(name, true, m), nil
}

// OpenSemaphore opens an existing semaphore created by the owner.
func OpenSemaphore(ns Namespace, name string) (*Semaphore, error) {
	m, err := openObject(ns.SemPath(name), semSize)
	if err != nil {
		return nil, err
	}
	return newSemaphore(name, false, m), nil
}

func newSemaphore(name string, owner bool, m *mapping) *Semaphore {
	return &Semaphore{
		name:  name,
		owner: owner,
		m:     m,
		word:  (*uint64)(unsafe.Pointer(&m.mem[0])),
	}
}

func (s *Semaphore) futex() *uint32 {
	return (*uint32)(unsafe.Pointer(s.word))
}

// Name returns the semaphore's object name.
func (s *Semaphore) Name() string { return s.name }

// Value returns the current count.
func (s *Semaphore) Value() uint32 {
	return uint32(atomic.LoadUint64(s.word) & semValueMask)
}

// TryWait decrements the count if it is positive.
func (s *Semaphore) TryWait() bool {
	for {
		d := atomic.LoadUint64(s.word)
		if d&semValueMask == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(s.word, d, d-1) {
			return true
		}
	}
}

// Wait blocks until the count is positive, then decrements it.
func (s *Semaphore) Wait() {
	s.wait(-1)
}

// TimedWait is Wait bounded by d. It reports whether the semaphore was taken.
func (s *Semaphore) TimedWait(d time.Duration) bool {
	if d < 0 {
		d = 0
	}
	return s.wait(d)
}

func (s *Semaphore) wait(timeout time.Duration) bool {
	if s.TryWait() {
		return true
	}
	if timeout == 0 {
		return false
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	d := atomic.AddUint64(s.word, semOneWaiter)
	for {
		if d&semValueMask == 0 {
			remaining := time.Duration(-1)
			if timeout > 0 {
				remaining = time.Until(deadline)
				if remaining <= 0 {
					atomic.AddUint64(s.word, ^(semOneWaiter - 1))
					return false
				}
			}
			futexWait(s.futex(), 0, remaining)
			d = atomic.LoadUint64(s.word)
			continue
		}
		// Take one unit and unregister as waiter in a single step.
		if atomic.CompareAndSwapUint64(s.word, d, d-1-semOneWaiter) {
			return true
		}
		d = atomic.LoadUint64(s.word)
	}
}

// Post increments the count and wakes one sleeping waiter, if any.
func (s *Semaphore) Post() {
	d := atomic.AddUint64(s.word, 1)
	if d>>semNwaitersShift > 0 {
		futexWake(s.futex(), 1)
	}
}

// Set overwrites the count, keeping the waiter registrations intact.
func (s *Semaphore) Set(value uint32) {
	for {
		d := atomic.LoadUint64(s.word)
		if atomic.CompareAndSwapUint64(s.word, d, d&^semValueMask|uint64(value)) {
			break
		}
	}
	if value > 0 {
		futexWake(s.futex(), int(min(value, math.MaxInt32)))
	}
}

// Close unmaps the semaphore. The owner also unlinks it.
func (s *Semaphore) Close() error {
	err := s.m.unmap()
	if s.owner {
		err = multierr.Append(err, unlink(s.m.path))
	}
	return err
}
