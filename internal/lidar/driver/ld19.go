package driver

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/l2frames"
	"github.com/cogip/shmlidar/internal/lidar/parse"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/serialmux"
	"github.com/cogip/shmlidar/internal/timeutil"
)

const (
	ld19ReadChunk   = 512
	ld19ReadTimeout = 100 * time.Millisecond
	ld19CommPoll    = time.Millisecond
)

// LD19Stats counts receive activity.
type LD19Stats struct {
	Decoder   parse.LD19DecoderStats      `json:"decoder"`
	Assembler l2frames.ScanAssemblerStats `json:"assembler"`
}

// LD19Lidar receives the LD19 stream on its own goroutine and hands complete
// rotations to Process. The device streams as soon as it is powered, so
// Start and Stop only gate whether rotations are delivered.
type LD19Lidar struct {
	transport   Transport
	clock       timeutil.Clock
	logf        func(format string, v ...interface{})
	grabTimeout time.Duration

	connected atomic.Bool
	started   atomic.Bool
	commSeen  atomic.Bool
	speed     atomic.Uint32 // deg/s
	driverErr atomic.Int32

	stop chan struct{}
	done chan struct{}

	// Owned by the receive goroutine.
	decoder       *parse.LD19Decoder
	assembler     *l2frames.RotationAssembler
	lastPktStamp  uint64
	statsMu       sync.Mutex
	stats         LD19Stats
	rotations     chan []lidar.Point
	scanFrequency atomic.Value // float64
}

// NewLD19Lidar returns a disconnected driver reading from t.
func NewLD19Lidar(t Transport, clock timeutil.Clock) *LD19Lidar {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &LD19Lidar{
		transport:   t,
		clock:       clock,
		grabTimeout: grabTimeout,
		logf:        monitoring.Component("LD19"),
		decoder:     parse.NewLD19Decoder(),
		assembler:   l2frames.NewRotationAssembler(),
		rotations:   make(chan []lidar.Point, 1),
	}
	l.scanFrequency.Store(0.0)
	return l
}

// Connect starts the receive goroutine.
func (l *LD19Lidar) Connect() bool {
	if l.connected.Swap(true) {
		return true
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.receive(l.stop, l.done)
	return true
}

// Disconnect stops the receive goroutine and closes the transport.
func (l *LD19Lidar) Disconnect() {
	if !l.connected.Swap(false) {
		return
	}
	l.started.Store(false)
	close(l.stop)
	<-l.done
	if err := l.transport.Close(); err != nil {
		l.logf("close transport: %v", err)
	}
}

// WaitLidarComm reports whether a measurement frame arrived within timeout.
// The flag is consumed by the call.
func (l *LD19Lidar) WaitLidarComm(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if l.commSeen.Swap(false) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(ld19CommPoll)
	}
}

// Start enables rotation delivery.
func (l *LD19Lidar) Start() bool {
	if !l.connected.Load() {
		return false
	}
	l.started.Store(true)
	return true
}

// Stop disables rotation delivery.
func (l *LD19Lidar) Stop() { l.started.Store(false) }

// IsScanning reports whether rotations are delivered.
func (l *LD19Lidar) IsScanning() bool { return l.connected.Load() && l.started.Load() }

// ScanFrequency returns the rotation frequency derived from the last reported
// speed, or DefaultScanFrequency before the first frame.
func (l *LD19Lidar) ScanFrequency() float64 {
	if hz := l.scanFrequency.Load().(float64); hz > 0 {
		return hz
	}
	return DefaultScanFrequency
}

// HealthCode returns the last error code reported by a health frame.
func (l *LD19Lidar) HealthCode() byte {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.decoder.HealthCode()
}

func (l *LD19Lidar) receive(stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, ld19ReadChunk)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := l.transport.Read(buf, ld19ReadTimeout)
		if err != nil {
			if errors.Is(err, serialmux.ErrReadTimeout) {
				continue
			}
			l.logf("receive: %v", err)
			return
		}
		l.parse(buf[:n])
		for {
			l.statsMu.Lock()
			rot := l.assembler.Assemble(float64(l.speed.Load()))
			l.stats.Assembler = l.assembler.Stats()
			l.statsMu.Unlock()
			if rot == nil {
				break
			}
			l.deliver(rot)
		}
	}
}

// parse decodes a chunk and queues the points of every plausible frame.
// The first frame only anchors the arrival time; later frames spread their
// points evenly between the previous arrival and this one.
func (l *LD19Lidar) parse(chunk []byte) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	for _, b := range chunk {
		switch l.decoder.Feed(b) {
		case parse.EventPacket:
		case parse.EventBlock:
			if code := l.decoder.HealthCode(); code != 0 {
				l.logf("health error code 0x%02x", code)
			}
			continue
		default:
			continue
		}
		pkt := l.decoder.Packet()
		l.speed.Store(uint32(pkt.Speed))
		l.scanFrequency.Store(float64(pkt.Speed) / 360.0)
		l.commSeen.Store(true)

		now := timeutil.UnixNano(l.clock)
		if l.lastPktStamp == 0 {
			l.lastPktStamp = now
			continue
		}
		step := float64(now-l.lastPktStamp) / float64(parse.LD19_POINT_PER_PACK-1)
		points := make([]lidar.Point, parse.LD19_POINT_PER_PACK)
		for i, p := range pkt.Points {
			points[i] = lidar.Point{
				Angle:     pkt.PointAngle(i),
				Range:     float64(p.Distance),
				Intensity: float64(p.Intensity),
				Stamp:     l.lastPktStamp + uint64(step*float64(i)),
			}
		}
		l.assembler.Add(points...)
		l.lastPktStamp = now
	}
	l.stats.Decoder = l.decoder.Stats()
}

// deliver replaces any rotation not yet taken by Process.
func (l *LD19Lidar) deliver(rot []lidar.Point) {
	for {
		select {
		case l.rotations <- rot:
			return
		default:
		}
		select {
		case <-l.rotations:
		default:
		}
	}
}

// Process waits for the next rotation and converts it to published units.
func (l *LD19Lidar) Process(scan *lidar.Scan) bool {
	if !l.IsScanning() {
		l.clock.Sleep(time.Duration(200/l.ScanFrequency()) * time.Millisecond)
		return false
	}

	start := timeutil.UnixNano(l.clock)
	t := time.NewTimer(l.grabTimeout)
	defer t.Stop()
	var rot []lidar.Point
	select {
	case rot = <-l.rotations:
	case <-t.C:
	}
	end := timeutil.UnixNano(l.clock)
	scan.Points = scan.Points[:0]
	scan.ReadDuration = end - start

	if rot == nil {
		l.driverErr.Store(int32(lidar.TimeoutError))
		l.logf("Error: %s", lidar.TimeoutError.Text())
		scan.NodeCount = 0
		scan.StartStamp, scan.EndStamp = start, start
		return false
	}
	l.driverErr.Store(int32(lidar.NoError))

	for _, p := range rot {
		p.Angle = 360 - p.Angle
		scan.Points = append(scan.Points, p)
	}
	scan.NodeCount = len(rot)
	scan.StartStamp = rot[0].Stamp
	scan.EndStamp = rot[len(rot)-1].Stamp
	scan.FrequencyHz = l.ScanFrequency()
	return true
}

// Stats returns the receive counters.
func (l *LD19Lidar) Stats() LD19Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// Status returns a snapshot for the debug routes.
func (l *LD19Lidar) Status() Status {
	stats := l.Stats()
	st := Status{
		Model:         "ld19",
		Connected:     l.connected.Load(),
		Scanning:      l.IsScanning(),
		Error:         lidar.DriverError(l.driverErr.Load()),
		ScanFrequency: l.ScanFrequency(),
		Decoder:       stats.Decoder,
		Assembler:     stats.Assembler,
		Device:        map[string]any{"health_error_code": l.HealthCode()},
	}
	st.ErrorText = st.Error.Text()
	return st
}

var _ Scanner = (*LD19Lidar)(nil)
