package driver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/l2frames"
	"github.com/cogip/shmlidar/internal/lidar/parse"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/timeutil"
)

// G2 timing constants.
const (
	DefaultTimeout      = 2000 * time.Millisecond
	DefaultPointTime    = uint64(1e9 / 5000) // ns between samples at 5 kHz
	DefaultTimeoutCount = 1

	scanBatchNodes  = 128
	minValidNodes   = 2
	readScratchSize = 64

	connectSettle = 1100 * time.Millisecond
	motorSettle   = 500 * time.Millisecond
	flushSettle   = 20 * time.Millisecond
	stopSettle    = 5 * time.Millisecond
)

// G2Option configures a G2Driver.
type G2Option func(*G2Driver)

// WithClock replaces the clock used for sample stamps and settle delays.
func WithClock(c timeutil.Clock) G2Option { return func(d *G2Driver) { d.clock = c } }

// WithReadTimeout sets how long the read loop waits for one batch of nodes.
func WithReadTimeout(t time.Duration) G2Option { return func(d *G2Driver) { d.readTimeout = t } }

// WithTimeoutRetries sets how many consecutive read timeouts the read loop
// tolerates before it exits.
func WithTimeoutRetries(n int) G2Option { return func(d *G2Driver) { d.timeoutRetries = n } }

// G2DriverStats counts read loop activity.
type G2DriverStats struct {
	Decoder   parse.G2DecoderStats        `json:"decoder"`
	Assembler l2frames.ScanAssemblerStats `json:"assembler"`
	Timeouts  uint64                      `json:"timeouts"`
}

// G2Driver drives a YDLidar G2 over a Transport: device commands, the motor
// line and a read loop that decodes the measurement stream into rotations.
type G2Driver struct {
	transport      Transport
	clock          timeutil.Clock
	logf           func(format string, v ...interface{})
	readTimeout    time.Duration
	timeoutRetries int

	cmdMu     sync.Mutex // serialises command exchanges
	loopMu    sync.Mutex // guards done
	connected atomic.Bool
	scanning  atomic.Bool
	done      chan struct{}

	errMu     sync.Mutex
	driverErr lidar.DriverError

	dataMu    sync.Mutex
	scanNodes []lidar.Node
	dataReady chan struct{}

	pointTime atomic.Uint64

	// Owned by whichever goroutine holds the byte stream: the read loop while
	// scanning, a command exchange otherwise.
	decoder    *parse.G2Decoder
	assembler  *l2frames.ScanAssembler
	pending    []lidar.Node
	scratch    [readScratchSize]byte
	scratchPos int
	scratchLen int
	validNodes int

	statsMu  sync.Mutex
	timeouts uint64
}

// NewG2Driver returns a disconnected driver using t.
func NewG2Driver(t Transport, opts ...G2Option) *G2Driver {
	d := &G2Driver{
		transport:      t,
		clock:          timeutil.RealClock{},
		logf:           monitoring.Component("G2"),
		readTimeout:    DefaultTimeout / 2,
		timeoutRetries: DefaultTimeoutCount,
		dataReady:      make(chan struct{}, 1),
		decoder:        parse.NewG2Decoder(),
		assembler:      l2frames.NewScanAssembler(l2frames.MaxScanNodes),
	}
	d.pointTime.Store(DefaultPointTime)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Connect takes the device out of any scan left running, waits for it to
// settle and powers the motor down.
func (d *G2Driver) Connect() lidar.Result {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	d.connected.Store(true)
	d.stopScanLocked()
	d.clock.Sleep(connectSettle)
	d.setDTR(false)
	return lidar.ResultOK
}

// Disconnect stops scanning and closes the transport. It is safe to call
// more than once.
func (d *G2Driver) Disconnect() {
	if !d.connected.Load() {
		return
	}
	d.Stop()
	d.clock.Sleep(10 * time.Millisecond)

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	if !d.connected.Swap(false) {
		return
	}
	if err := d.transport.Close(); err != nil {
		d.logf("close transport: %v", err)
	}
}

// IsConnected reports whether Connect succeeded and Disconnect was not called.
func (d *G2Driver) IsConnected() bool { return d.connected.Load() }

// IsScanning reports whether the read loop is running.
func (d *G2Driver) IsScanning() bool { return d.scanning.Load() }

// PointTime returns the time between two samples in ns.
func (d *G2Driver) PointTime() uint64 { return d.pointTime.Load() }

// SetPointTime sets the time between two samples in ns.
func (d *G2Driver) SetPointTime(ns uint64) { d.pointTime.Store(ns) }

// DriverError returns the sticky driver status.
func (d *G2Driver) DriverError() lidar.DriverError {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.driverErr
}

func (d *G2Driver) setDriverError(e lidar.DriverError) {
	d.errMu.Lock()
	d.driverErr = e
	d.errMu.Unlock()
}

// setDriverErrorIf sets next only while the status equals current.
func (d *G2Driver) setDriverErrorIf(current, next lidar.DriverError) {
	d.errMu.Lock()
	if d.driverErr == current {
		d.driverErr = next
	}
	d.errMu.Unlock()
}

// Stats returns a snapshot of the read loop counters. Decoder and assembler
// counters are only consistent while the loop is stopped or between batches.
func (d *G2Driver) Stats() G2DriverStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return G2DriverStats{
		Decoder:   d.decoder.Stats(),
		Assembler: d.assembler.Stats(),
		Timeouts:  d.timeouts,
	}
}

func (d *G2Driver) setDTR(on bool) {
	if !d.connected.Load() {
		return
	}
	if err := d.transport.SetDTR(on); err != nil {
		d.logf("set DTR %v: %v", on, err)
	}
}

// flush discards everything buffered on the way in, including bytes already
// pulled into the scratch buffer.
func (d *G2Driver) flush() {
	if !d.connected.Load() {
		return
	}
	d.transport.Flush()
	d.scratchPos, d.scratchLen = 0, 0
	d.pending = d.pending[:0]
	d.statsMu.Lock()
	d.decoder.Reset()
	d.statsMu.Unlock()
	d.clock.Sleep(flushSettle)
}

func (d *G2Driver) sendCommand(cmd byte) lidar.Result {
	if !d.connected.Load() {
		return lidar.ResultFail
	}
	frame, err := parse.EncodeCommand(cmd, nil)
	if err != nil {
		return lidar.ResultFail
	}
	if err := d.transport.SendCommand(frame); err != nil {
		d.logf("send command 0x%02x: %v", cmd, err)
		return lidar.ResultFail
	}
	return lidar.ResultOK
}

// buffered returns the number of received bytes not yet decoded.
func (d *G2Driver) buffered() int {
	return d.transport.Available() + d.scratchLen - d.scratchPos
}

func (d *G2Driver) readByte(timeout time.Duration) (byte, lidar.Result) {
	if d.scratchPos == d.scratchLen {
		n, err := d.transport.Read(d.scratch[:], timeout)
		if res := resultFromReadErr(err); !res.OK() {
			return 0, res
		}
		d.scratchPos, d.scratchLen = 0, n
	}
	b := d.scratch[d.scratchPos]
	d.scratchPos++
	return b, lidar.ResultOK
}

func (d *G2Driver) readFull(p []byte, timeout time.Duration) lidar.Result {
	deadline := time.Now().Add(timeout)
	for i := range p {
		b, res := d.readByte(time.Until(deadline))
		if !res.OK() {
			return res
		}
		p[i] = b
	}
	return lidar.ResultOK
}

// waitResponseHeader skips input until an A5 5A answer header arrives.
func (d *G2Driver) waitResponseHeader(timeout time.Duration) (parse.ResponseHeader, lidar.Result) {
	deadline := time.Now().Add(timeout)
	var s parse.ResponseScanner
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return parse.ResponseHeader{}, lidar.ResultTimeout
		}
		b, res := d.readByte(remaining)
		if !res.OK() {
			return parse.ResponseHeader{}, res
		}
		if s.Feed(b) {
			return s.Header(), lidar.ResultOK
		}
	}
}

// exchange sends cmd with the read loop stopped and returns the answer
// payload. exactSize > 0 requires that size; otherwise at least minSize.
func (d *G2Driver) exchange(cmd, wantType byte, exactSize, minSize int, timeout time.Duration) ([]byte, lidar.Result) {
	if !d.connected.Load() {
		return nil, lidar.ResultFail
	}
	d.disableDataGrabbing()
	d.flush()

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	if res := d.sendCommand(cmd); !res.OK() {
		return nil, res
	}
	hdr, res := d.waitResponseHeader(timeout)
	if !res.OK() {
		return nil, res
	}
	if hdr.Type != wantType {
		return nil, lidar.ResultFail
	}
	size := int(hdr.Size)
	if (exactSize > 0 && size != exactSize) || size < minSize {
		return nil, lidar.ResultFail
	}
	payload := make([]byte, size)
	if res := d.readFull(payload, timeout); !res.OK() {
		return nil, lidar.ResultFail
	}
	return payload, lidar.ResultOK
}

// GetHealth queries the device health.
func (d *G2Driver) GetHealth(timeout time.Duration) (parse.DeviceHealth, lidar.Result) {
	payload, res := d.exchange(parse.CMD_GET_DEVICE_HEALTH, parse.ANS_TYPE_DEV_HEALTH, 0, parse.DEVICE_HEALTH_SIZE, timeout)
	if !res.OK() {
		return parse.DeviceHealth{}, res
	}
	h, err := parse.DecodeDeviceHealth(payload)
	if err != nil {
		return parse.DeviceHealth{}, lidar.ResultFail
	}
	return h, lidar.ResultOK
}

// GetDeviceInfo queries the model, versions and serial number.
func (d *G2Driver) GetDeviceInfo(timeout time.Duration) (parse.DeviceInfo, lidar.Result) {
	payload, res := d.exchange(parse.CMD_GET_DEVICE_INFO, parse.ANS_TYPE_DEVINFO, 0, parse.DEVICE_INFO_SIZE, timeout)
	if !res.OK() {
		return parse.DeviceInfo{}, res
	}
	info, err := parse.DecodeDeviceInfo(payload)
	if err != nil {
		return parse.DeviceInfo{}, lidar.ResultFail
	}
	return info, lidar.ResultOK
}

// GetScanFrequency returns the device scan frequency in Hz.
func (d *G2Driver) GetScanFrequency(timeout time.Duration) (float64, lidar.Result) {
	return d.frequencyCommand(parse.CMD_GET_AIM_SPEED, timeout)
}

// AdjustScanFrequency sends one of the aim speed step commands
// (CMD_AIM_SPEED_ADD, _DIS, _ADD_MIC, _DIS_MIC) and returns the new frequency.
func (d *G2Driver) AdjustScanFrequency(cmd byte, timeout time.Duration) (float64, lidar.Result) {
	return d.frequencyCommand(cmd, timeout)
}

func (d *G2Driver) frequencyCommand(cmd byte, timeout time.Duration) (float64, lidar.Result) {
	payload, res := d.exchange(cmd, parse.ANS_TYPE_DEVINFO, parse.SCAN_FREQUENCY_SIZE, 0, timeout)
	if !res.OK() {
		return 0, res
	}
	hz, err := parse.DecodeScanFrequency(payload)
	if err != nil {
		return 0, lidar.ResultFail
	}
	return hz, lidar.ResultOK
}

// StartScan puts the device in scan mode, starts the read loop and powers
// the motor.
func (d *G2Driver) StartScan(force bool, timeout time.Duration) lidar.Result {
	if !d.connected.Load() {
		return lidar.ResultFail
	}
	if d.scanning.Load() {
		return lidar.ResultOK
	}

	d.Stop()
	d.flush()
	d.clock.Sleep(30 * time.Millisecond)

	cmd := byte(parse.CMD_SCAN)
	if force {
		cmd = parse.CMD_FORCE_SCAN
	}

	d.cmdMu.Lock()
	if res := d.sendCommand(cmd); !res.OK() {
		d.cmdMu.Unlock()
		return res
	}
	hdr, res := d.waitResponseHeader(timeout)
	if !res.OK() {
		d.cmdMu.Unlock()
		return res
	}
	if hdr.Type != parse.ANS_TYPE_MEASUREMENT || hdr.Size < parse.MEASUREMENT_MIN_SIZE {
		d.cmdMu.Unlock()
		return lidar.ResultFail
	}
	d.createThread()
	d.cmdMu.Unlock()

	d.startMotor()
	return lidar.ResultOK
}

// StopScan asks the device to leave scan mode.
func (d *G2Driver) StopScan() lidar.Result {
	if !d.connected.Load() {
		return lidar.ResultFail
	}
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	return d.stopScanLocked()
}

func (d *G2Driver) stopScanLocked() lidar.Result {
	if !d.connected.Load() {
		return lidar.ResultFail
	}
	d.sendCommand(parse.CMD_FORCE_STOP)
	d.clock.Sleep(stopSettle)
	d.sendCommand(parse.CMD_STOP)
	d.clock.Sleep(stopSettle)
	return lidar.ResultOK
}

// Stop joins the read loop, stops the scan and powers the motor down.
func (d *G2Driver) Stop() lidar.Result {
	d.disableDataGrabbing()
	d.StopScan()
	d.stopMotor()
	return lidar.ResultOK
}

func (d *G2Driver) startMotor() {
	d.setDTR(true)
	d.clock.Sleep(motorSettle)
}

func (d *G2Driver) stopMotor() {
	d.setDTR(false)
	d.clock.Sleep(motorSettle)
}

func (d *G2Driver) createThread() {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()
	d.scanning.Store(true)
	d.done = make(chan struct{})
	go d.cacheScanData(d.done)
}

// disableDataGrabbing clears the scanning flag, wakes GrabScanData and joins
// the read loop.
func (d *G2Driver) disableDataGrabbing() {
	if d.scanning.Swap(false) {
		d.signalData()
	}
	d.loopMu.Lock()
	done := d.done
	d.done = nil
	d.loopMu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *G2Driver) signalData() {
	select {
	case d.dataReady <- struct{}{}:
	default:
	}
}

// GrabScanData waits up to timeout for the next complete rotation.
func (d *G2Driver) GrabScanData(timeout time.Duration) ([]lidar.Node, lidar.Result) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, lidar.ResultTimeout
	case <-d.dataReady:
	}
	d.dataMu.Lock()
	defer d.dataMu.Unlock()
	if len(d.scanNodes) == 0 {
		return nil, lidar.ResultFail
	}
	nodes := d.scanNodes
	d.scanNodes = nil
	return nodes, lidar.ResultOK
}

// checkLaserStatus flags a laser that returned fewer than two echoes since
// the previous rotation boundary.
func (d *G2Driver) checkLaserStatus() {
	if d.validNodes < minValidNodes {
		d.setDriverErrorIf(lidar.NoError, lidar.LaserFailureError)
	} else {
		d.setDriverErrorIf(lidar.LaserFailureError, lidar.NoError)
	}
	d.validNodes = 0
}

// delayTime estimates how long ago the sync sample was measured from the
// bytes still waiting to be decoded.
func (d *G2Driver) delayTime() uint64 {
	size := d.buffered()
	if size <= parse.G2_HEADER_SIZE {
		return 0
	}
	pt := d.pointTime.Load()
	packages := uint64(size / parse.G2_PACKAGE_SIZE)
	rest := size % parse.G2_PACKAGE_SIZE
	delay := packages * (parse.G2_PACKAGE_SIZE - parse.G2_HEADER_SIZE) * pt / 2
	if rest > parse.G2_HEADER_SIZE {
		delay += pt * uint64((rest-parse.G2_HEADER_SIZE)/2)
	}
	return delay
}

// nextNode returns the next decoded node, reading more input as needed.
func (d *G2Driver) nextNode(timeout time.Duration) (lidar.Node, lidar.Result) {
	deadline := time.Now().Add(timeout)
	for len(d.pending) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return lidar.Node{}, lidar.ResultTimeout
		}
		b, res := d.readByte(remaining)
		if !res.OK() {
			return lidar.Node{}, res
		}
		d.statsMu.Lock()
		ev := d.decoder.Feed(b)
		d.statsMu.Unlock()
		switch ev {
		case parse.EventBlock:
			d.setDriverError(lidar.BlockError)
		case parse.EventPacket:
			d.setDriverErrorIf(lidar.BlockError, lidar.NoError)
			d.pending = d.decoder.AppendNodes(d.pending[:0], timeutil.UnixNano(d.clock))
			for _, n := range d.pending {
				if n.DistanceQ2 != 0 {
					d.validNodes++
				}
			}
		}
	}
	n := d.pending[0]
	d.pending = d.pending[:copy(d.pending, d.pending[1:])]
	return n, lidar.ResultOK
}

// waitScanData reads up to max nodes into dst, stopping early after a sync
// node.
func (d *G2Driver) waitScanData(dst []lidar.Node, max int, timeout time.Duration) ([]lidar.Node, lidar.Result) {
	if !d.connected.Load() {
		return dst, lidar.ResultFail
	}
	deadline := time.Now().Add(timeout)
	for len(dst) < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return dst, lidar.ResultTimeout
		}
		n, res := d.nextNode(remaining)
		if !res.OK() {
			return dst, res
		}
		if n.IsSync() {
			n.DelayTime = d.delayTime()
			dst = append(dst, n)
			d.checkLaserStatus()
			return dst, lidar.ResultOK
		}
		dst = append(dst, n)
	}
	return dst, lidar.ResultOK
}

// cacheScanData is the read loop. It exits when the scanning flag clears,
// the transport fails, or reads keep timing out.
func (d *G2Driver) cacheScanData(done chan struct{}) {
	defer close(done)
	defer d.scanning.Store(false)

	d.statsMu.Lock()
	d.assembler.Reset()
	d.statsMu.Unlock()
	d.flush()
	buf := make([]lidar.Node, 0, scanBatchNodes)
	d.waitScanData(buf, scanBatchNodes, d.readTimeout)

	timeouts := 0
	for d.scanning.Load() {
		nodes, res := d.waitScanData(buf[:0], scanBatchNodes, d.readTimeout)
		if !res.OK() {
			if res == lidar.ResultFail || timeouts > d.timeoutRetries {
				d.logf("Exit scanning thread")
				return
			}
			timeouts++
			d.statsMu.Lock()
			d.timeouts++
			d.assembler.Timeout()
			d.statsMu.Unlock()
			d.setDriverErrorIf(lidar.NoError, lidar.TimeoutError)
			d.logf("Timeout count: %d", timeouts)
			continue
		}
		timeouts = 0

		for _, n := range nodes {
			d.statsMu.Lock()
			rot := d.assembler.Add(n)
			d.statsMu.Unlock()
			if rot == nil {
				continue
			}
			d.dataMu.Lock()
			d.scanNodes = rot
			d.dataMu.Unlock()
			d.signalData()
		}
	}
}
