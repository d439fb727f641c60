package publish

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/driver"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/shm"
	"github.com/cogip/shmlidar/internal/testutil"
	"github.com/cogip/shmlidar/internal/timeutil"
)

// fakeScanner hands out queued scans. An exhausted queue is a failed read.
type fakeScanner struct {
	clock    *timeutil.MockClock
	scans    []lidar.Scan
	scanning bool
	hz       float64
	cost     time.Duration
}

func (f *fakeScanner) Process(scan *lidar.Scan) bool {
	f.clock.Advance(f.cost)
	if !f.scanning {
		return false
	}
	if len(f.scans) == 0 {
		scan.Points = scan.Points[:0]
		return false
	}
	next := f.scans[0]
	f.scans = f.scans[1:]
	points := append(scan.Points[:0], next.Points...)
	*scan = next
	scan.Points = points
	return true
}

func (f *fakeScanner) ScanFrequency() float64 { return f.hz }
func (f *fakeScanner) IsScanning() bool       { return f.scanning }
func (f *fakeScanner) Status() driver.Status  { return driver.Status{Model: "fake"} }

type capturingLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *capturingLog) logf(format string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, v...))
}

func (c *capturingLog) contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

func captureLog(t *testing.T) *capturingLog {
	t.Helper()
	c := &capturingLog{}
	monitoring.SetLogger(c.logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return c
}

func scanOf(points ...lidar.Point) lidar.Scan {
	return lidar.Scan{
		Points:      points,
		StartStamp:  1_000_000_000,
		EndStamp:    1_080_000_000,
		NodeCount:   len(points),
		FrequencyHz: 12,
	}
}

func newTestPublisher(t *testing.T, sc *fakeScanner, filter Filter) (*Publisher, *BufferWriter, *[]*Published) {
	t.Helper()
	w := NewBufferWriter()
	var got []*Published
	p := NewPublisher(Config{
		Scanner: sc,
		Writer:  w,
		Filter:  filter,
		Clock:   sc.clock,
		Sinks:   []Sink{SinkFunc(func(p *Published) { got = append(got, p) })},
	})
	return p, w, &got
}

func TestRefreshInterval(t *testing.T) {
	tests := []struct {
		hz   float64
		want time.Duration
	}{
		{12, 84 * time.Millisecond},
		{10, 100 * time.Millisecond},
		{7, 143 * time.Millisecond},
		{16, 63 * time.Millisecond},
		{0, 84 * time.Millisecond},
		{-3, 84 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RefreshInterval(tt.hz), "hz=%v", tt.hz)
	}
}

func TestFilter_Keep(t *testing.T) {
	f := Filter{MinIntensity: 10, MinDistance: 100, MaxDistance: 3000, MinInvalidAngle: 90, MaxInvalidAngle: 270}
	tests := []struct {
		name string
		p    lidar.Point
		want bool
	}{
		{"kept", lidar.Point{Angle: 45, Range: 500, Intensity: 50}, true},
		{"window lower edge kept", lidar.Point{Angle: 90, Range: 500, Intensity: 50}, true},
		{"window upper edge kept", lidar.Point{Angle: 270, Range: 500, Intensity: 50}, true},
		{"inside window", lidar.Point{Angle: 180, Range: 500, Intensity: 50}, false},
		{"too close", lidar.Point{Angle: 45, Range: 99, Intensity: 50}, false},
		{"too far", lidar.Point{Angle: 45, Range: 3001, Intensity: 50}, false},
		{"range bounds inclusive", lidar.Point{Angle: 45, Range: 3000, Intensity: 10}, true},
		{"too dim", lidar.Point{Angle: 45, Range: 500, Intensity: 9.75}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Keep(tt.p))
		})
	}

	assert.True(t, DefaultFilter().Keep(lidar.Point{Angle: 180, Range: 65535}))
}

func TestPublisher_CycleWritesFilteredRowsAndSleeps(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sc := &fakeScanner{clock: clock, scanning: true, hz: 12, cost: 10 * time.Millisecond}
	sc.scans = []lidar.Scan{scanOf(
		lidar.Point{Angle: 10, Range: 500, Intensity: 40},
		lidar.Point{Angle: 20, Range: 50, Intensity: 40},
		lidar.Point{Angle: 30, Range: 750, Intensity: 60},
	)}
	p, w, got := newTestPublisher(t, sc, Filter{MinDistance: 100, MaxDistance: 1000})

	p.Cycle()

	want := []shm.SensorPoint{{Angle: 10, Distance: 500, Intensity: 40}, {Angle: 30, Distance: 750, Intensity: 60}}
	if diff := cmp.Diff(want, w.Rows()); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []time.Duration{74 * time.Millisecond}, clock.Sleeps())

	require.Len(t, *got, 1)
	pub := (*got)[0]
	assert.Equal(t, uint64(1), pub.Seq)
	assert.Equal(t, p.SessionID(), pub.SessionID)
	assert.Len(t, pub.Points, 2)
	assert.Equal(t, 3, pub.NodeCount)
	assert.Equal(t, 80*time.Millisecond, pub.Duration)
	assert.Same(t, pub, p.Last())

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Equal(t, uint64(1), st.Published)
	assert.Zero(t, st.Overruns)
	assert.Equal(t, "84ms", st.Interval)
}

func TestPublisher_OverrunSkipsSleep(t *testing.T) {
	logs := captureLog(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sc := &fakeScanner{clock: clock, scanning: true, hz: 12, cost: 100 * time.Millisecond}
	sc.scans = []lidar.Scan{scanOf(lidar.Point{Angle: 1, Range: 1, Intensity: 1})}
	p, _, _ := newTestPublisher(t, sc, DefaultFilter())

	p.Cycle()

	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, uint64(1), p.Stats().Overruns)
	assert.True(t, logs.contains("[publisher] SHM update took too long: 100ms (interval=84ms)"))
}

func TestPublisher_SleepsAreNeverNegative(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sc := &fakeScanner{clock: clock, scanning: true, hz: 7}
	p, _, _ := newTestPublisher(t, sc, DefaultFilter())

	for _, cost := range []time.Duration{0, 50 * time.Millisecond, 142 * time.Millisecond, 143 * time.Millisecond, time.Second} {
		sc.cost = cost
		p.Cycle()
	}
	for _, d := range clock.Sleeps() {
		assert.Positive(t, d)
	}
	assert.Len(t, clock.Sleeps(), 3)
	assert.Equal(t, uint64(2), p.Stats().Overruns)
}

func TestPublisher_NotScanningRepublishesLastScan(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sc := &fakeScanner{clock: clock, scanning: true, hz: 12}
	sc.scans = []lidar.Scan{scanOf(lidar.Point{Angle: 5, Range: 200, Intensity: 8})}
	p, w, got := newTestPublisher(t, sc, DefaultFilter())

	p.Cycle()
	sc.scanning = false
	p.Cycle()

	assert.Equal(t, 2, w.Writes())
	assert.Equal(t, []shm.SensorPoint{{Angle: 5, Distance: 200, Intensity: 8}}, w.Rows())
	assert.Len(t, *got, 1, "sinks only see fresh rotations")
	assert.Equal(t, uint64(1), p.Stats().Failures)
}

func TestPublisher_FailedReadPublishesEmpty(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sc := &fakeScanner{clock: clock, scanning: true, hz: 12}
	sc.scans = []lidar.Scan{scanOf(lidar.Point{Angle: 5, Range: 200, Intensity: 8})}
	p, w, _ := newTestPublisher(t, sc, DefaultFilter())

	p.Cycle()
	p.Cycle()

	assert.Equal(t, 2, w.Writes())
	assert.Empty(t, w.Rows())
}

func TestPublisher_CapacityExceededIsNotPublished(t *testing.T) {
	logs := captureLog(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	points := make([]lidar.Point, shm.MaxLidarDataCount+76)
	for i := range points {
		points[i] = lidar.Point{Angle: float64(i) / 4, Range: 500, Intensity: 10}
	}
	sc := &fakeScanner{clock: clock, scanning: true, hz: 12, scans: []lidar.Scan{scanOf(points...)}}
	p, w, got := newTestPublisher(t, sc, DefaultFilter())

	p.Cycle()

	assert.Zero(t, w.Writes())
	assert.Empty(t, *got)
	assert.Equal(t, uint64(1), p.Stats().CapacityErrors)
	assert.True(t, logs.contains("capacity exceeded"))
}

func TestPublisher_ResamplerObservesAndResets(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	scan := scanOf(make([]lidar.Point, 400)...)
	scan.ReadDuration = scan.EndStamp - scan.StartStamp
	sc := &fakeScanner{clock: clock, scanning: true, hz: 12, scans: []lidar.Scan{scan}}
	r := NewResampler(5, 1000, 30, 10*time.Second)
	p := NewPublisher(Config{Scanner: sc, Writer: NewBufferWriter(), Filter: DefaultFilter(), Resampler: r, Clock: clock})

	p.Cycle()
	st := p.Stats().Resampler
	require.NotNil(t, st)
	assert.Equal(t, uint64(400), st.Samples)
	assert.Equal(t, 5000, st.RealRate)

	p.Cycle()
	assert.Zero(t, p.Stats().Resampler.Samples)
}

func TestPublisher_SegmentWriterWakesConsumer(t *testing.T) {
	ns := shm.Namespace{Dir: testutil.ShmDir(t)}
	name := testutil.UniqueName(t, "cogip")
	owner, err := shm.CreateSegment(ns, name)
	require.NoError(t, err)
	peer, err := shm.AttachSegment(ns, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, peer.Close())
		assert.NoError(t, owner.Close())
	})
	peer.Lock(shm.LockLidarData).RegisterConsumer()

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sc := &fakeScanner{clock: clock, scanning: true, hz: 12}
	sc.scans = []lidar.Scan{scanOf(lidar.Point{Angle: 90, Range: 1234, Intensity: 77})}
	p := NewPublisher(Config{Scanner: sc, Writer: NewSegmentWriter(owner), Filter: DefaultFilter(), Clock: clock})

	p.Cycle()

	require.True(t, peer.Lock(shm.LockLidarData).WaitUpdateTimeout(time.Second))
	assert.Equal(t, []shm.SensorPoint{{Angle: 90, Distance: 1234, Intensity: 77}}, peer.ReadLidarData(nil))
	assert.Zero(t, peer.Lock(shm.LockLidarData).WriteRequestCount())
}

func TestPublisher_RunStops(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sc := &fakeScanner{clock: clock, scanning: false, hz: 12}
	p := NewPublisher(Config{Scanner: sc, Writer: NewBufferWriter(), Filter: DefaultFilter(), Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stats().Cycles > 3 }, time.Second, time.Millisecond)
	assert.True(t, p.IsRunning())
	p.Stop()
	require.NoError(t, <-done)
	assert.False(t, p.IsRunning())
	p.Stop()
}
