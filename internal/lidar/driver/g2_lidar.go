package driver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/parse"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/timeutil"
)

const (
	// FrequencyOffset is added to the requested frequency before converging
	// the device, and removed from what the device reports.
	FrequencyOffset = 0.4

	DefaultScanFrequency = 12.0
	MinScanFrequency     = 5.0
	MaxScanFrequency     = 16.0

	grabTimeout   = DefaultTimeout
	healthTimeout = DefaultTimeout / 2
)

// G2Lidar wraps a G2Driver: device checks at connect time, scan start with a
// retry and conversion of each rotation into a lidar.Scan.
type G2Lidar struct {
	drv   *G2Driver
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	mu            sync.Mutex
	scanFrequency float64
	sampleRateK   int
	scanning      atomic.Bool
	lastNodeTime  uint64
	device        *parse.DeviceInfo
	health        *parse.DeviceHealth
}

// NewG2Lidar returns a wrapper around drv targeting frequencyHz.
func NewG2Lidar(drv *G2Driver, frequencyHz float64, sampleRateK int) *G2Lidar {
	return &G2Lidar{
		drv:           drv,
		clock:         drv.clock,
		logf:          monitoring.Component("YDLidar"),
		scanFrequency: frequencyHz,
		sampleRateK:   sampleRateK,
	}
}

// Driver returns the wrapped driver.
func (l *G2Lidar) Driver() *G2Driver { return l.drv }

// Connect opens the device and runs the health, version and frequency checks.
func (l *G2Lidar) Connect() bool {
	l.drv.Connect()
	if !l.drv.IsConnected() {
		l.logf("Error: Lidar is not connected")
		return false
	}
	l.logf("Lidar successfully connected")
	l.checkStatus()
	return true
}

func (l *G2Lidar) checkStatus() {
	l.checkHealth()
	l.checkDeviceInfo()
}

func (l *G2Lidar) checkHealth() bool {
	l.drv.Stop()
	h, res := l.drv.GetHealth(healthTimeout)
	if !res.OK() {
		l.logf("Error: cannot retrieve YDLidar health code: %v", res)
		return false
	}
	l.mu.Lock()
	l.health = &h
	l.mu.Unlock()
	state := "good"
	if h.Status != 0 {
		state = "bad"
	}
	l.logf("Lidar running correctly. The health status: %s", state)
	if !h.Healthy() {
		l.logf("Error: internal error detected. Please reboot the device to retry.")
		return false
	}
	return true
}

func (l *G2Lidar) checkDeviceInfo() bool {
	info, res := l.drv.GetDeviceInfo(healthTimeout)
	if !res.OK() {
		l.logf("Error: fail to get device information")
		return false
	}
	l.mu.Lock()
	l.device = &info
	l.mu.Unlock()
	if info.FirmwareVersion != 0 || info.HardwareVersion != 0 {
		l.logf("Connection established: firmware %s, hardware %d, serial %s",
			info.Firmware(), info.HardwareVersion, info.Serial())
	}
	l.drv.SetPointTime(DefaultPointTime)
	l.checkScanFrequency()
	return true
}

// SupportedScanFrequency reports whether hz is within the device range.
func SupportedScanFrequency(hz float64) bool {
	return MinScanFrequency <= hz && hz <= MaxScanFrequency
}

// checkScanFrequency steps the device towards the requested frequency plus
// FrequencyOffset, whole Hz first, then tenths.
func (l *G2Lidar) checkScanFrequency() {
	l.mu.Lock()
	target := l.scanFrequency
	l.mu.Unlock()

	if SupportedScanFrequency(target) {
		target += FrequencyOffset
		if current, res := l.drv.GetScanFrequency(healthTimeout); res.OK() {
			hz := target - current
			if hz > 0 {
				for ; hz > 0.95; hz -= 1.0 {
					l.drv.AdjustScanFrequency(parse.CMD_AIM_SPEED_ADD, healthTimeout)
				}
				for ; hz > 0.09; hz -= 0.1 {
					l.drv.AdjustScanFrequency(parse.CMD_AIM_SPEED_ADD_MIC, healthTimeout)
				}
			} else {
				for ; hz < -0.95; hz += 1.0 {
					l.drv.AdjustScanFrequency(parse.CMD_AIM_SPEED_DIS, healthTimeout)
				}
				for ; hz < -0.09; hz += 0.1 {
					l.drv.AdjustScanFrequency(parse.CMD_AIM_SPEED_DIS_MIC, healthTimeout)
				}
			}
		}
	} else {
		l.logf("Error: current scan frequency[%g] is out of range.", target)
		target += FrequencyOffset
	}

	if hz, res := l.drv.GetScanFrequency(healthTimeout); res.OK() {
		target = hz
	}
	target -= FrequencyOffset

	l.mu.Lock()
	l.scanFrequency = target
	l.mu.Unlock()
	l.logf("Current Scan Frequency: %gHz", target)
}

// Start puts the device in scan mode, retrying once.
func (l *G2Lidar) Start() bool {
	if l.IsScanning() {
		return true
	}
	res := l.drv.StartScan(false, DefaultTimeout)
	if !res.OK() {
		res = l.drv.StartScan(false, DefaultTimeout)
		if !res.OK() {
			l.drv.Stop()
			l.logf("Failed to start scan mode: %v", res)
			l.scanning.Store(false)
			return false
		}
	}
	l.logf("Succeeded to start scan mode")
	l.logf("Current Sampling Rate: %dK", l.sampleRateK)
	l.mu.Lock()
	l.lastNodeTime = timeutil.UnixNano(l.clock)
	l.mu.Unlock()
	l.scanning.Store(true)
	l.logf("Lidar is scanning")
	return true
}

// Stop leaves scan mode.
func (l *G2Lidar) Stop() {
	l.drv.Stop()
	if l.scanning.Swap(false) {
		l.logf("Scanning has stopped")
	}
}

// Disconnect stops scanning and releases the transport.
func (l *G2Lidar) Disconnect() {
	l.drv.Disconnect()
	l.scanning.Store(false)
}

// IsScanning reports whether Start succeeded and the read loop still runs.
func (l *G2Lidar) IsScanning() bool {
	return l.scanning.Load() && l.drv.IsScanning()
}

// ScanFrequency returns the configured rotation frequency in Hz.
func (l *G2Lidar) ScanFrequency() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanFrequency
}

// Process waits for the next rotation and converts it into scan.
func (l *G2Lidar) Process(scan *lidar.Scan) bool {
	if !l.IsScanning() {
		hz := l.ScanFrequency()
		if hz <= 0 {
			hz = DefaultScanFrequency
		}
		l.clock.Sleep(time.Duration(200/hz) * time.Millisecond)
		scan.NodeCount = 0
		return false
	}

	start := timeutil.UnixNano(l.clock)
	nodes, res := l.drv.GrabScanData(grabTimeout)
	end := timeutil.UnixNano(l.clock)
	scan.Points = scan.Points[:0]
	scan.ReadDuration = end - start

	if !res.OK() {
		if e := l.drv.DriverError(); e != lidar.NoError {
			l.logf("Error: %s", e.Text())
		}
		scan.NodeCount = 0
		scan.StartStamp = start
		scan.EndStamp = start
		return false
	}

	l.mu.Lock()
	scanStart, scanEnd := l.rotationStamps(nodes, start, end)
	l.mu.Unlock()

	scan.StartStamp = scanStart
	scan.EndStamp = scanEnd
	scan.NodeCount = len(nodes)
	scan.FrequencyHz = 0
	for _, n := range nodes {
		scan.Points = append(scan.Points, NodePoint(n))
		if n.ScanFrequency != 0 {
			scan.FrequencyHz = float64(n.ScanFrequency) / 10.0
		}
	}
	return true
}

// rotationStamps places a rotation of len(nodes) samples on the host
// timeline, back-dated by the delay of the closing sync sample and chained
// to the previous rotation when they overlap.
func (l *G2Lidar) rotationStamps(nodes []lidar.Node, startTs, endTs uint64) (uint64, uint64) {
	pt := l.drv.PointTime()
	scanTime := pt * uint64(len(nodes)-1)

	end := endTs
	highPayload := false
	if nodes[0].Stamp > 0 && nodes[0].Stamp < startTs {
		end = nodes[0].Stamp
		highPayload = true
	}
	end -= pt
	end -= nodes[0].DelayTime
	start := end - scanTime

	if !highPayload && start < startTs {
		start = startTs
		end = start + scanTime
	}
	if next := l.lastNodeTime + pt; next >= start && next < endTs-scanTime {
		start = next
		end = start + scanTime
	}
	l.lastNodeTime = end
	return start, end
}

// NodePoint converts a decoded node to the published units: counter-clockwise
// degrees, millimetres and an intensity scaled from 10 to 8 bits.
func NodePoint(n lidar.Node) lidar.Point {
	return lidar.Point{
		Angle:     360 - n.AngleDegrees(),
		Range:     n.RangeMM(),
		Intensity: float64(n.Quality) / 4.0,
		Stamp:     n.Stamp,
	}
}

// Status returns a snapshot for the debug routes.
func (l *G2Lidar) Status() Status {
	stats := l.drv.Stats()
	st := Status{
		Model:         "g2",
		Connected:     l.drv.IsConnected(),
		Scanning:      l.IsScanning(),
		Error:         l.drv.DriverError(),
		ScanFrequency: l.ScanFrequency(),
		Decoder:       stats.Decoder,
		Assembler:     stats.Assembler,
	}
	st.ErrorText = st.Error.Text()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device != nil || l.health != nil {
		st.Device = map[string]any{}
	}
	if l.device != nil {
		st.Device["firmware"] = l.device.Firmware()
		st.Device["hardware"] = l.device.HardwareVersion
		st.Device["serial"] = l.device.Serial()
	}
	if l.health != nil {
		st.Device["health_status"] = l.health.Status
		st.Device["health_error_code"] = l.health.ErrorCode
	}
	return st
}

var _ Scanner = (*G2Lidar)(nil)
