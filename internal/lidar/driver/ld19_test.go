package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/parse"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/serialmux"
	"github.com/cogip/shmlidar/internal/timeutil"
)

const ld19Speed = 4320 // deg/s, 12 Hz

// ld19Frames returns count frames of 12 points, 12° each, the first one
// starting at firstDeg.
func ld19Frames(firstDeg, count int) []byte {
	var b []byte
	for k := 0; k < count; k++ {
		start := ((firstDeg + 12*k) % 360) * 100
		p := parse.LD19Packet{
			Speed:      ld19Speed,
			StartAngle: uint16(start),
			EndAngle:   uint16((start + 1100) % 36000),
		}
		for i := range p.Points {
			p.Points[i] = parse.LD19Point{Distance: 800, Intensity: 200}
		}
		b = append(b, parse.EncodeLD19Packet(p)...)
	}
	return b
}

type ld19Harness struct {
	port  *serialmux.TestableSerialPort
	lidar *LD19Lidar
	clock *timeutil.MockClock
}

func newLD19Harness(t *testing.T) *ld19Harness {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	mux := serialmux.NewSerialMux(port)
	clock := timeutil.NewMockClock(time.Unix(1000, 0))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); mux.Monitor(ctx) }()

	l := NewLD19Lidar(mux, clock)
	t.Cleanup(func() {
		l.Disconnect()
		cancel()
		mux.Close()
		wg.Wait()
	})
	return &ld19Harness{port: port, lidar: l, clock: clock}
}

func TestLD19Lidar_WaitLidarComm(t *testing.T) {
	h := newLD19Harness(t)
	require.True(t, h.lidar.Connect())

	assert.False(t, h.lidar.WaitLidarComm(10*time.Millisecond))

	h.port.AddReadData(ld19Frames(0, 1))
	assert.True(t, h.lidar.WaitLidarComm(time.Second))
	assert.InDelta(t, 12.0, h.lidar.ScanFrequency(), 1e-9)
}

func TestLD19Lidar_ProcessDeliversRotation(t *testing.T) {
	h := newLD19Harness(t)
	require.True(t, h.lidar.Connect())
	require.True(t, h.lidar.Start())

	// A full turn plus the first frame of the next one closes the turn. The
	// very first frame only anchors the arrival time.
	h.port.AddReadData(ld19Frames(0, 31))

	var scan lidar.Scan
	require.True(t, h.lidar.Process(&scan))
	require.Len(t, scan.Points, 29*parse.LD19_POINT_PER_PACK)
	assert.Equal(t, 29*parse.LD19_POINT_PER_PACK, scan.NodeCount)
	assert.InDelta(t, 12.0, scan.FrequencyHz, 1e-9)

	assert.InDelta(t, 360.0-12.0, scan.Points[0].Angle, 1e-9)
	assert.InDelta(t, 1.0, scan.Points[len(scan.Points)-1].Angle, 1e-9)
	for i, p := range scan.Points {
		assert.InDelta(t, 800.0, p.Range, 1e-9)
		assert.InDelta(t, 200.0, p.Intensity, 1e-9)
		if i > 0 {
			assert.GreaterOrEqual(t, p.Stamp, scan.Points[i-1].Stamp)
		}
	}
	assert.Equal(t, lidar.NoError, h.lidar.Status().Error)
	assert.Positive(t, h.lidar.Stats().Assembler.Rotations)
}

func TestLD19Lidar_ProcessTimesOut(t *testing.T) {
	h := newLD19Harness(t)
	h.lidar.grabTimeout = 20 * time.Millisecond
	require.True(t, h.lidar.Connect())
	require.True(t, h.lidar.Start())

	scan := lidar.Scan{Points: []lidar.Point{{Angle: 1}}}
	assert.False(t, h.lidar.Process(&scan))
	assert.Empty(t, scan.Points)
	st := h.lidar.Status()
	assert.Equal(t, lidar.TimeoutError, st.Error)
	assert.Equal(t, "Operation timed out", st.ErrorText)
}

func TestLD19Lidar_ProcessNotStarted(t *testing.T) {
	h := newLD19Harness(t)
	require.True(t, h.lidar.Connect())

	scan := lidar.Scan{Points: []lidar.Point{{Angle: 1}}}
	assert.False(t, h.lidar.Process(&scan))
	assert.Len(t, scan.Points, 1, "stale points are kept")
	assert.Equal(t, []time.Duration{16 * time.Millisecond}, h.clock.Sleeps())
}

func TestLD19Lidar_HealthFrame(t *testing.T) {
	h := newLD19Harness(t)
	require.True(t, h.lidar.Connect())

	h.port.AddReadData(parse.EncodeLD19Health(0x05))
	require.Eventually(t, func() bool { return h.lidar.HealthCode() == 0x05 }, time.Second, time.Millisecond)
	assert.Equal(t, byte(0x05), h.lidar.Status().Device["health_error_code"])
}

func TestLD19Lidar_StartRequiresConnect(t *testing.T) {
	h := newLD19Harness(t)
	assert.False(t, h.lidar.Start())
	assert.False(t, h.lidar.IsScanning())
}
