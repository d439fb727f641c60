package publish

import (
	"sync"

	"github.com/cogip/shmlidar/internal/shm"
)

// Writer receives each published rotation.
type Writer interface {
	// Write replaces the published rows. It returns shm.ErrCapacity when the
	// rows do not fit; nothing is written then.
	Write(rows []shm.SensorPoint) error
}

// SegmentWriter writes rows to the lidar data area of a segment under its
// write lock and wakes the registered consumers.
type SegmentWriter struct {
	lock *shm.WritePriorityLock
	buf  shm.SensorBuffer
}

// NewSegmentWriter targets the LidarData area of seg.
func NewSegmentWriter(seg *shm.Segment) *SegmentWriter {
	return &SegmentWriter{lock: seg.Lock(shm.LockLidarData), buf: seg.LidarData()}
}

func (w *SegmentWriter) Write(rows []shm.SensorPoint) error {
	if len(rows) > w.buf.Capacity() {
		return w.buf.Store(rows)
	}
	w.lock.StartWriting()
	err := w.buf.Store(rows)
	w.lock.FinishWriting()
	w.lock.PostUpdate()
	return err
}

// BufferWriter keeps rows in process memory, for running without a segment.
type BufferWriter struct {
	mu  sync.Mutex
	buf shm.SensorBuffer
	n   int
}

func NewBufferWriter() *BufferWriter {
	return &BufferWriter{buf: shm.NewSensorBuffer()}
}

func (w *BufferWriter) Write(rows []shm.SensorPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Store(rows); err != nil {
		return err
	}
	w.n++
	return nil
}

// Rows returns a copy of the last rows written.
func (w *BufferWriter) Rows() []shm.SensorPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Load(nil)
}

// Writes returns the number of successful writes.
func (w *BufferWriter) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}
