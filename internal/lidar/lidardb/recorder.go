package lidardb

import (
	"sync"
	"time"

	"github.com/cogip/shmlidar/internal/lidar/publish"
	"github.com/cogip/shmlidar/internal/monitoring"
)

const recorderQueue = 64

// Recorder is a publish.Sink that stores a summary of every published
// rotation. Inserts run on their own goroutine; rotations arriving while the
// queue is full are dropped and counted.
type Recorder struct {
	db   *LidarDB
	logf func(format string, v ...interface{})

	queue chan Scan
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
	stored  uint64
	failed  uint64
}

// NewRecorder starts a Recorder writing to db.
func NewRecorder(db *LidarDB) *Recorder {
	r := &Recorder{
		db:    db,
		logf:  monitoring.Component("lidardb"),
		queue: make(chan Scan, recorderQueue),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// ScanPublished implements publish.Sink.
func (r *Recorder) ScanPublished(p *publish.Published) {
	s := Scan{
		ScanID:         p.ScanID.String(),
		SessionID:      p.SessionID.String(),
		Seq:            p.Seq,
		SampleCount:    p.NodeCount,
		PublishedCount: len(p.Points),
		FrequencyHz:    p.FrequencyHz,
		Stats:          ComputeScanStats(p.Points),
		DurationMs:     float64(p.Duration) / float64(time.Millisecond),
		RecordedAt:     p.Time,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- s:
	default:
		r.dropped++
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for s := range r.queue {
		err := r.db.InsertScan(s)
		r.mu.Lock()
		if err != nil {
			r.failed++
		} else {
			r.stored++
		}
		r.mu.Unlock()
		if err != nil {
			r.logf("insert scan %d: %v", s.Seq, err)
		}
	}
}

// Close stops accepting rotations and waits for the queued ones to be
// stored. It is safe to call multiple times.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

// RecorderStats counts recorded rotations.
type RecorderStats struct {
	Stored  uint64 `json:"stored"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{Stored: r.stored, Dropped: r.dropped, Failed: r.failed}
}
