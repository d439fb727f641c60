package shm

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogip/shmlidar/internal/testutil"
)

func testNamespace(t *testing.T) Namespace {
	t.Helper()
	return Namespace{Dir: testutil.ShmDir(t)}
}

func TestNamespace_Paths(t *testing.T) {
	assert.Equal(t, "/dev/shm/cogip", Namespace{}.ShmPath("/cogip"))
	assert.Equal(t, "/dev/shm/sem.cogip_LidarData_mutex", Namespace{}.SemPath("cogip_LidarData_mutex"))
	assert.Equal(t, "/tmp/x/cogip", Namespace{Dir: "/tmp/x"}.ShmPath("cogip"))
}

func TestSemaphore_GlibcLayout(t *testing.T) {
	ns := testNamespace(t)
	s, err := CreateSemaphore(ns, "layout", 3)
	require.NoError(t, err)
	defer s.Close()

	raw, err := os.ReadFile(ns.SemPath("layout"))
	require.NoError(t, err)
	require.Len(t, raw, semSize)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(raw[4:8]))
	// sem_open waiters in other processes use a shared futex only when the
	// private word holds FUTEX_SHARED.
	assert.Equal(t, uint32(128), binary.LittleEndian.Uint32(raw[8:12]))
	assert.Equal(t, make([]byte, semSize-12), raw[12:])

	info, err := os.Stat(ns.SemPath("layout"))
	require.NoError(t, err)
	assert.Equal(t, Perm, info.Mode().Perm())
}

func TestSemaphore_PostWaitAcrossMappings(t *testing.T) {
	ns := testNamespace(t)
	owner, err := CreateSemaphore(ns, "pw", 0)
	require.NoError(t, err)
	defer owner.Close()
	peer, err := OpenSemaphore(ns, "pw")
	require.NoError(t, err)
	defer peer.Close()

	assert.False(t, peer.TryWait())

	done := make(chan struct{})
	go func() {
		peer.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Post")
	case <-time.After(20 * time.Millisecond):
	}

	owner.Post()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Post")
	}
	assert.Equal(t, uint32(0), owner.Value())
}

func TestSemaphore_TimedWait(t *testing.T) {
	ns := testNamespace(t)
	s, err := CreateSemaphore(ns, "tw", 1)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.TimedWait(10*time.Millisecond))

	start := time.Now()
	assert.False(t, s.TimedWait(15*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	// A timed-out waiter must not stay registered.
	assert.Equal(t, uint64(0), *s.word>>semNwaitersShift)
	assert.False(t, s.TimedWait(0))
}

func TestSemaphore_Set(t *testing.T) {
	ns := testNamespace(t)
	s, err := CreateSemaphore(ns, "set", 5)
	require.NoError(t, err)
	defer s.Close()

	s.Set(1)
	assert.Equal(t, uint32(1), s.Value())
	assert.True(t, s.TryWait())
	assert.False(t, s.TryWait())
}

func TestSemaphore_OpenMissing(t *testing.T) {
	_, err := OpenSemaphore(testNamespace(t), "absent")
	require.ErrorIs(t, err, ErrNotExist)
}

func TestSemaphore_CloseUnlinksOnlyForOwner(t *testing.T) {
	ns := testNamespace(t)
	owner, err := CreateSemaphore(ns, "close", 0)
	require.NoError(t, err)
	peer, err := OpenSemaphore(ns, "close")
	require.NoError(t, err)

	require.NoError(t, peer.Close())
	assert.FileExists(t, ns.SemPath("close"))

	require.NoError(t, owner.Close())
	assert.NoFileExists(t, ns.SemPath("close"))
}

func TestCounter_SharedBetweenMappings(t *testing.T) {
	ns := testNamespace(t)
	owner, err := CreateCounter(ns, "cnt")
	require.NoError(t, err)
	defer owner.Close()
	peer, err := OpenCounter(ns, "cnt")
	require.NoError(t, err)
	defer peer.Close()

	assert.Equal(t, int32(0), peer.Load())
	owner.Add(2)
	assert.Equal(t, int32(2), peer.Load())
	peer.Add(-1)
	assert.Equal(t, int32(1), owner.Load())
	owner.Store(7)
	assert.Equal(t, int32(7), peer.Load())
}

func TestCreate_ReplacesStaleObject(t *testing.T) {
	ns := testNamespace(t)
	stale, err := CreateSemaphore(ns, "stale", 0)
	require.NoError(t, err)
	stale.Post()
	stale.Post()
	// Simulate a crashed owner: drop the mapping without unlinking.
	require.NoError(t, stale.m.unmap())

	fresh, err := CreateSemaphore(ns, "stale", 1)
	require.NoError(t, err)
	defer fresh.Close()
	assert.Equal(t, uint32(1), fresh.Value())
}
