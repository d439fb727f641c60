package publish

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/driver"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/shm"
	"github.com/cogip/shmlidar/internal/timeutil"
)

// DefaultScanFrequency is used for the refresh interval until the scanner
// reports a frequency.
const DefaultScanFrequency = 12.0

// RefreshInterval is the publish period for a rotation frequency:
// ceil(1000/hz) milliseconds.
func RefreshInterval(hz float64) time.Duration {
	if hz <= 0 {
		hz = DefaultScanFrequency
	}
	return time.Duration(math.Ceil(1000.0/hz)) * time.Millisecond
}

// Published is a rotation as it was written to the segment.
type Published struct {
	SessionID   uuid.UUID
	ScanID      uuid.UUID
	Seq         uint64
	Time        time.Time
	Points      []lidar.Point // kept points, published units
	NodeCount   int           // samples decoded for the rotation
	FrequencyHz float64
	Duration    time.Duration // rotation span on the host timeline
}

// Sink is notified of every fresh rotation after it is written. Sinks run on
// the publishing goroutine and must not block.
type Sink interface {
	ScanPublished(p *Published)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p *Published)

func (f SinkFunc) ScanPublished(p *Published) { f(p) }

// Config contains configuration for Publisher.
type Config struct {
	// Scanner produces the rotations.
	Scanner driver.Scanner
	// Writer receives the filtered rows.
	Writer Writer
	// Filter selects the published points.
	Filter Filter
	// Resampler is optional; it tracks the delivered sample rate.
	Resampler *Resampler
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
	// Sinks are notified of each fresh rotation.
	Sinks []Sink
}

// PublisherStats counts publishing cycles.
type PublisherStats struct {
	SessionID      string          `json:"session_id"`
	Cycles         uint64          `json:"cycles"`
	Published      uint64          `json:"published"`
	Failures       uint64          `json:"failures"`
	Overruns       uint64          `json:"overruns"`
	CapacityErrors uint64          `json:"capacity_errors"`
	LastPoints     int             `json:"last_points"`
	LastNodeCount  int             `json:"last_node_count"`
	LastFrequency  float64         `json:"last_frequency_hz"`
	Interval       string          `json:"interval"`
	Resampler      *ResamplerStats `json:"resampler,omitempty"`
}

// Publisher is the rate governed loop between a scanner and a Writer.
type Publisher struct {
	scanner   driver.Scanner
	writer    Writer
	filter    Filter
	resampler *Resampler
	clock     timeutil.Clock
	sinks     []Sink
	logf      func(format string, v ...interface{})
	sessionID uuid.UUID

	// Reused between cycles; a scan that is not refreshed is published again.
	scan lidar.Scan
	rows []shm.SensorPoint

	mu       sync.Mutex
	stats    PublisherStats
	last     *Published
	seq      uint64
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration
}

// NewPublisher creates a Publisher.
func NewPublisher(cfg Config) *Publisher {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Publisher{
		scanner:   cfg.Scanner,
		writer:    cfg.Writer,
		filter:    cfg.Filter,
		resampler: cfg.Resampler,
		clock:     clock,
		sinks:     cfg.Sinks,
		logf:      monitoring.Component("publisher"),
		sessionID: uuid.New(),
		rows:      make([]shm.SensorPoint, 0, shm.MaxLidarDataCount),
	}
	p.stats.SessionID = p.sessionID.String()
	return p
}

// SessionID identifies this publisher run.
func (p *Publisher) SessionID() uuid.UUID { return p.sessionID }

// AddSink registers s. It must be called before Run.
func (p *Publisher) AddSink(s Sink) { p.sinks = append(p.sinks, s) }

// Run publishes until ctx is cancelled or Stop is called.
func (p *Publisher) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	defer func() {
		close(doneCh)
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}
		p.Cycle()
	}
}

// Stop requests the loop to stop and waits for it. It is safe to call
// multiple times.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	doneCh := p.doneCh
	p.mu.Unlock()
	<-doneCh
}

// IsRunning returns whether the loop is running.
func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Cycle runs one iteration: process a rotation, write it, then sleep for the
// rest of the refresh interval. When the iteration overran the interval it
// is logged and the next one starts immediately.
func (p *Publisher) Cycle() {
	interval := RefreshInterval(p.scanner.ScanFrequency())
	start := p.clock.Now()

	fresh := p.scanner.Process(&p.scan)
	if p.resampler != nil {
		if fresh {
			p.resampler.Observe(&p.scan)
		} else {
			p.resampler.Reset(timeutil.UnixNano(p.clock))
		}
	}

	p.rows = p.filter.Apply(p.rows[:0], p.scan.Points)
	err := p.writer.Write(p.rows)
	if err != nil {
		p.logf("publish %d points: %v", len(p.rows), err)
	}

	var pub *Published
	if fresh && err == nil {
		pub = p.published(start)
		for _, s := range p.sinks {
			s.ScanPublished(pub)
		}
	}

	elapsed := p.clock.Since(start)
	p.record(fresh, err, pub, interval, elapsed)
	if elapsed < interval {
		p.clock.Sleep(interval - elapsed)
	} else {
		p.logf("SHM update took too long: %dms (interval=%dms)", elapsed.Milliseconds(), interval.Milliseconds())
	}
}

func (p *Publisher) published(now time.Time) *Published {
	points := make([]lidar.Point, 0, len(p.rows))
	for _, pt := range p.scan.Points {
		if p.filter.Keep(pt) {
			points = append(points, pt)
		}
	}
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()
	return &Published{
		SessionID:   p.sessionID,
		ScanID:      uuid.New(),
		Seq:         seq,
		Time:        now,
		Points:      points,
		NodeCount:   p.scan.NodeCount,
		FrequencyHz: p.scan.FrequencyHz,
		Duration:    time.Duration(p.scan.EndStamp - p.scan.StartStamp),
	}
}

func (p *Publisher) record(fresh bool, err error, pub *Published, interval, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Cycles++
	p.interval = interval
	if !fresh {
		p.stats.Failures++
	}
	if errors.Is(err, shm.ErrCapacity) {
		p.stats.CapacityErrors++
	}
	if elapsed >= interval {
		p.stats.Overruns++
	}
	if pub != nil {
		p.stats.Published++
		p.stats.LastPoints = len(pub.Points)
		p.stats.LastNodeCount = pub.NodeCount
		p.stats.LastFrequency = pub.FrequencyHz
		p.last = pub
	}
	if p.resampler != nil {
		rs := p.resampler.Stats()
		p.stats.Resampler = &rs
	}
}

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Interval = p.interval.String()
	return st
}

// Last returns the last fresh rotation published, or nil.
func (p *Publisher) Last() *Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
