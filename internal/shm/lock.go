package shm

import (
	"time"

	"go.uber.org/multierr"
)

// readRetryInterval is how long a reader backs off while a writer is pending.
const readRetryInterval = 100 * time.Microsecond

// WritePriorityLock is a cross-process readers/writer lock in which a pending
// writer blocks new readers, plus an update channel that lets one producer
// wake every registered consumer.
//
// Lock state is shared through four named semaphores and three named
// counters; see the package documentation for the naming scheme.
type WritePriorityLock struct {
	name       string
	owner      bool
	registered bool

	mutex        *Semaphore
	writeLock    *Semaphore
	update       *Semaphore
	registration *Semaphore

	readerCount   *Counter
	writeRequest  *Counter
	consumerCount *Counter
}

// LockState is a snapshot of the shared lock bookkeeping.
type LockState struct {
	Readers        int32  `json:"readers"`
	PendingWriters int32  `json:"pending_writers"`
	Consumers      int32  `json:"consumers"`
	WriteLockValue uint32 `json:"write_lock_value"`
	UpdateValue    uint32 `json:"update_value"`
}

// NewWritePriorityLock creates the lock's named objects when owner is true,
// replacing any stale ones left by a previous owner, or opens the existing
// objects otherwise. A failure part way through closes what was acquired.
func NewWritePriorityLock(ns Namespace, name string, owner bool) (l *WritePriorityLock, err error) {
	l = &WritePriorityLock{name: name, owner: owner}
	defer func() {
		if err != nil {
			err = multierr.Append(err, l.release())
			l = nil
		}
	}()

	sem := func(suffix string, initial uint32) (*Semaphore, error) {
		if owner {
			return CreateSemaphore(ns, name+suffix, initial)
		}
		return OpenSemaphore(ns, name+suffix)
	}
	counter := func(suffix string) (*Counter, error) {
		if owner {
			return CreateCounter(ns, name+suffix)
		}
		return OpenCounter(ns, name+suffix)
	}

	if l.mutex, err = sem("_mutex", 1); err != nil {
		return
	}
	if l.writeLock, err = sem("_write_lock", 1); err != nil {
		return
	}
	if l.update, err = sem("_update", 0); err != nil {
		return
	}
	if l.registration, err = sem("_registration", 1); err != nil {
		return
	}
	if l.readerCount, err = counter("_reader_count"); err != nil {
		return
	}
	if l.writeRequest, err = counter("_write_request"); err != nil {
		return
	}
	if l.consumerCount, err = counter("_consumer_count"); err != nil {
		return
	}
	return l, nil
}

// Name returns the lock's base name.
func (l *WritePriorityLock) Name() string { return l.name }

// Owner reports whether this process created the lock's objects.
func (l *WritePriorityLock) Owner() bool { return l.owner }

// StartReading blocks while any writer is pending or active, then joins the
// reader group. The first reader of a group takes the write lock.
func (l *WritePriorityLock) StartReading() {
	l.mutex.Wait()
	for l.writeRequest.Load() > 0 {
		l.mutex.Post()
		time.Sleep(readRetryInterval)
		l.mutex.Wait()
	}
	if l.readerCount.Add(1) == 1 {
		l.writeLock.Wait()
	}
	l.mutex.Post()
}

// FinishReading leaves the reader group; the last reader releases the write
// lock.
func (l *WritePriorityLock) FinishReading() {
	l.mutex.Wait()
	if l.readerCount.Add(-1) == 0 {
		l.writeLock.Post()
	}
	l.mutex.Post()
}

// StartWriting announces a pending writer, which stops new readers from
// entering, then waits for exclusive access.
func (l *WritePriorityLock) StartWriting() {
	l.mutex.Wait()
	l.writeRequest.Add(1)
	l.mutex.Post()
	l.writeLock.Wait()
}

// FinishWriting withdraws the writer and releases exclusive access.
func (l *WritePriorityLock) FinishWriting() {
	l.mutex.Wait()
	l.writeRequest.Add(-1)
	l.mutex.Post()
	l.writeLock.Post()
}

// RegisterConsumer adds this process to the consumers woken by PostUpdate.
// Calling it more than once has no further effect.
func (l *WritePriorityLock) RegisterConsumer() {
	if l.registered {
		return
	}
	l.registered = true
	l.registration.Wait()
	l.consumerCount.Add(1)
	l.registration.Post()
}

// PostUpdate wakes each registered consumer once.
func (l *WritePriorityLock) PostUpdate() {
	n := l.consumerCount.Load()
	for i := int32(0); i < n; i++ {
		l.update.Post()
	}
}

// WaitUpdate blocks until an update notification is available.
func (l *WritePriorityLock) WaitUpdate() {
	l.update.Wait()
}

// WaitUpdateTimeout is WaitUpdate bounded by d. It reports whether a
// notification was consumed.
func (l *WritePriorityLock) WaitUpdateTimeout(d time.Duration) bool {
	return l.update.TimedWait(d)
}

// Reset restores every semaphore and counter to its initial value. Only the
// owner may call it, and only while no other process is using the lock.
func (l *WritePriorityLock) Reset() error {
	if !l.owner {
		return ErrNotOwner
	}
	l.mutex.Set(1)
	l.writeLock.Set(1)
	l.update.Set(0)
	l.registration.Set(1)
	l.readerCount.Store(0)
	l.writeRequest.Store(0)
	l.consumerCount.Store(0)
	l.registered = false
	return nil
}

// ReaderCount returns the number of active readers.
func (l *WritePriorityLock) ReaderCount() int32 { return l.readerCount.Load() }

// WriteRequestCount returns the number of pending or active writers.
func (l *WritePriorityLock) WriteRequestCount() int32 { return l.writeRequest.Load() }

// ConsumerCount returns the number of registered consumers.
func (l *WritePriorityLock) ConsumerCount() int32 { return l.consumerCount.Load() }

// State returns a snapshot of the shared bookkeeping.
func (l *WritePriorityLock) State() LockState {
	return LockState{
		Readers:        l.readerCount.Load(),
		PendingWriters: l.writeRequest.Load(),
		Consumers:      l.consumerCount.Load(),
		WriteLockValue: l.writeLock.Value(),
		UpdateValue:    l.update.Value(),
	}
}

// Close unregisters this process as a consumer, unmaps every object and, for
// the owner, unlinks them.
func (l *WritePriorityLock) Close() error {
	if l.registered && l.registration != nil && l.consumerCount != nil {
		l.registration.Wait()
		if l.consumerCount.Load() > 0 {
			l.consumerCount.Add(-1)
		}
		l.registration.Post()
		l.registered = false
	}
	return l.release()
}

func (l *WritePriorityLock) release() error {
	var err error
	for _, s := range []*Semaphore{l.mutex, l.writeLock, l.update, l.registration} {
		if s != nil {
			err = multierr.Append(err, s.Close())
		}
	}
	for _, c := range []*Counter{l.readerCount, l.writeRequest, l.consumerCount} {
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	}
	l.mutex, l.writeLock, l.update, l.registration = nil, nil, nil, nil
	l.readerCount, l.writeRequest, l.consumerCount = nil, nil, nil
	return err
}
