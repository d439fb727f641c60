package shm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogip/shmlidar/internal/testutil"
)

type lockFixture struct {
	ns   Namespace
	name string
}

func newLockPair(t *testing.T) (owner, peer *WritePriorityLock) {
	owner, peer, _ = newLockFixture(t)
	return owner, peer
}

func newLockFixture(t *testing.T) (owner, peer *WritePriorityLock, fx lockFixture) {
	t.Helper()
	fx = lockFixture{ns: testNamespace(t), name: testutil.UniqueName(t, "lock")}
	ns, name := fx.ns, fx.name
	owner, err := NewWritePriorityLock(ns, name, true)
	require.NoError(t, err)
	peer, err = NewWritePriorityLock(ns, name, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, peer.Close())
		assert.NoError(t, owner.Close())
	})
	return owner, peer, fx
}

func TestWritePriorityLock_InitialState(t *testing.T) {
	owner, _ := newLockPair(t)
	assert.Equal(t, LockState{WriteLockValue: 1}, owner.State())
	assert.True(t, owner.Owner())
}

func TestWritePriorityLock_AttachMissingFails(t *testing.T) {
	_, err := NewWritePriorityLock(testNamespace(t), "nobody", false)
	require.ErrorIs(t, err, ErrNotExist)
}

func TestWritePriorityLock_PartialAttachReleases(t *testing.T) {
	ns := testNamespace(t)
	// Only the first semaphore exists, so attaching fails on the second.
	mutex, err := CreateSemaphore(ns, "partial_mutex", 1)
	require.NoError(t, err)
	defer mutex.Close()

	_, err = NewWritePriorityLock(ns, "partial", false)
	require.ErrorIs(t, err, ErrNotExist)
	// The attached mutex was closed without being unlinked.
	assert.FileExists(t, ns.SemPath("partial_mutex"))
}

func TestWritePriorityLock_ConcurrentReaders(t *testing.T) {
	owner, peer := newLockPair(t)
	owner.StartReading()
	peer.StartReading()
	assert.Equal(t, int32(2), owner.ReaderCount())
	assert.Equal(t, uint32(0), owner.State().WriteLockValue)

	peer.FinishReading()
	assert.Equal(t, uint32(0), owner.State().WriteLockValue)
	owner.FinishReading()
	assert.Equal(t, int32(0), owner.ReaderCount())
	assert.Equal(t, uint32(1), owner.State().WriteLockValue)
}

func TestWritePriorityLock_PendingWriterBlocksNewReaders(t *testing.T) {
	owner, peer := newLockPair(t)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	owner.StartReading()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		peer.StartWriting()
		record("writer")
		peer.FinishWriting()
	}()
	testutil.WaitFor(t, 2*time.Second, func() bool { return owner.WriteRequestCount() == 1 }, "writer request")

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		owner.StartReading()
		record("reader")
		owner.FinishReading()
	}()

	select {
	case <-readerDone:
		t.Fatal("new reader entered while a writer was pending")
	case <-writerDone:
		t.Fatal("writer entered while a reader was active")
	case <-time.After(30 * time.Millisecond):
	}

	owner.FinishReading()
	<-writerDone
	<-readerDone
	assert.Equal(t, []string{"writer", "reader"}, order)
	assert.Equal(t, LockState{WriteLockValue: 1}, owner.State())
}

func TestWritePriorityLock_NoTornReads(t *testing.T) {
	ns := testNamespace(t)
	name := testutil.UniqueName(t, "seg")
	seg, err := CreateSegment(ns, name)
	require.NoError(t, err)
	defer seg.Close()
	peer, err := AttachSegment(ns, name)
	require.NoError(t, err)
	defer peer.Close()

	const rows = 200
	const iterations = 300

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lock := seg.Lock(LockLidarData)
		points := make([]SensorPoint, rows)
		for i := 1; i <= iterations; i++ {
			for j := range points {
				points[j] = SensorPoint{Angle: float32(i), Distance: float32(i), Intensity: float32(i)}
			}
			lock.StartWriting()
			assert.NoError(t, seg.LidarData().Store(points))
			lock.FinishWriting()
		}
	}()

	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf []SensorPoint
			for i := 0; i < iterations; i++ {
				buf = peer.ReadLidarData(buf[:0])
				if len(buf) == 0 {
					continue
				}
				if !assert.Len(t, buf, rows) {
					return
				}
				first := buf[0]
				for _, p := range buf {
					if p != first {
						t.Errorf("torn read: %v vs %v", p, first)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestWritePriorityLock_UpdateWakesEachConsumerOnce(t *testing.T) {
	owner, _, fx := newLockFixture(t)

	consumers := make([]*WritePriorityLock, 3)
	for i := range consumers {
		c, err := NewWritePriorityLock(fx.ns, fx.name, false)
		require.NoError(t, err)
		c.RegisterConsumer()
		c.RegisterConsumer()
		consumers[i] = c
	}
	assert.Equal(t, int32(3), owner.ConsumerCount())

	owner.PostUpdate()
	assert.Equal(t, uint32(3), owner.State().UpdateValue)
	for _, c := range consumers {
		assert.True(t, c.WaitUpdateTimeout(100*time.Millisecond))
	}
	assert.False(t, consumers[0].WaitUpdateTimeout(10*time.Millisecond))

	for _, c := range consumers {
		require.NoError(t, c.Close())
	}
	assert.Equal(t, int32(0), owner.ConsumerCount())
}

func TestWritePriorityLock_WaitUpdateBlocksUntilPost(t *testing.T) {
	owner, peer := newLockPair(t)
	peer.RegisterConsumer()

	woke := make(chan struct{})
	go func() {
		peer.WaitUpdate()
		close(woke)
	}()
	select {
	case <-woke:
		t.Fatal("WaitUpdate returned without an update")
	case <-time.After(20 * time.Millisecond):
	}
	owner.PostUpdate()
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer not woken")
	}
}

func TestWritePriorityLock_Reset(t *testing.T) {
	owner, peer := newLockPair(t)
	require.ErrorIs(t, peer.Reset(), ErrNotOwner)

	peer.RegisterConsumer()
	owner.StartWriting()
	owner.PostUpdate()
	require.NoError(t, owner.Reset())
	assert.Equal(t, LockState{WriteLockValue: 1}, owner.State())

	// Closing a consumer whose registration was reset must not go negative.
	require.NoError(t, peer.Close())
	assert.Equal(t, int32(0), owner.ConsumerCount())
}
