package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/parse"
)

func TestG2Lidar_ConnectConvergesFrequency(t *testing.T) {
	h := newG2Harness(t)
	l := NewG2Lidar(h.drv, 12, 5)

	require.True(t, l.Connect())
	assert.Equal(t, 2, h.dev.count(parse.CMD_AIM_SPEED_ADD))
	assert.Equal(t, 4, h.dev.count(parse.CMD_AIM_SPEED_ADD_MIC))
	assert.Zero(t, h.dev.count(parse.CMD_AIM_SPEED_DIS))
	assert.InDelta(t, 12.0, l.ScanFrequency(), 1e-6)

	st := l.Status()
	assert.Equal(t, "g2", st.Model)
	assert.True(t, st.Connected)
	assert.False(t, st.Scanning)
	assert.Equal(t, "1.3", st.Device["firmware"])
	assert.Equal(t, "No error", st.ErrorText)
}

func TestG2Lidar_ConnectLowersFrequency(t *testing.T) {
	h := newG2Harness(t)
	h.dev.freqCenti = 1500
	l := NewG2Lidar(h.drv, 8, 5)

	require.True(t, l.Connect())
	assert.Equal(t, 6, h.dev.count(parse.CMD_AIM_SPEED_DIS))
	assert.InDelta(t, 8.0, l.ScanFrequency(), 0.11)
}

func TestG2Lidar_UnsupportedFrequencyKeepsDevice(t *testing.T) {
	h := newG2Harness(t)
	l := NewG2Lidar(h.drv, 20, 5)

	require.True(t, l.Connect())
	assert.Zero(t, h.dev.count(parse.CMD_AIM_SPEED_ADD))
	assert.InDelta(t, 10.0-FrequencyOffset, l.ScanFrequency(), 1e-6)
}

func TestG2Lidar_ProcessNotScanningKeepsPoints(t *testing.T) {
	h := newG2Harness(t)
	l := NewG2Lidar(h.drv, 12, 5)

	scan := lidar.Scan{Points: []lidar.Point{{Angle: 1, Range: 2}}}
	assert.False(t, l.Process(&scan))
	assert.Len(t, scan.Points, 1)
	assert.Contains(t, h.clock.Sleeps(), 16*time.Millisecond)
}

func TestG2Lidar_ProcessConvertsRotation(t *testing.T) {
	h := newG2Harness(t)
	l := NewG2Lidar(h.drv, 12, 5)
	require.True(t, l.Connect())
	require.True(t, l.Start())
	assert.True(t, l.IsScanning())

	var scan lidar.Scan
	require.Eventually(t, func() bool { return l.Process(&scan) }, 3*time.Second, time.Millisecond)

	require.Len(t, scan.Points, fakeRotationSz)
	assert.Equal(t, fakeRotationSz, scan.NodeCount)
	assert.InDelta(t, 7.0, scan.FrequencyHz, 1e-9)
	assert.Equal(t, DefaultPointTime*uint64(fakeRotationSz-1), scan.EndStamp-scan.StartStamp)
	for _, p := range scan.Points {
		assert.InDelta(t, 1000.0, p.Range, 1e-9)
		assert.InDelta(t, 16.0, p.Intensity, 1e-9)
		assert.True(t, p.Angle >= 0 && p.Angle <= 360, "angle %v", p.Angle)
	}

	l.Stop()
	assert.False(t, l.IsScanning())
}

func TestNodePoint(t *testing.T) {
	n := lidar.Node{
		Quality:         1020,
		AngleQ6Checkbit: uint16(90*64)<<1 | 1,
		DistanceQ2:      2002,
	}
	p := NodePoint(n)
	assert.InDelta(t, 270.0, p.Angle, 1e-9)
	assert.InDelta(t, 500.5, p.Range, 1e-9)
	assert.InDelta(t, 255.0, p.Intensity, 1e-9)
}

func TestG2Lidar_RotationStampsChain(t *testing.T) {
	l := NewG2Lidar(NewG2Driver(nil), 12, 5)
	pt := DefaultPointTime
	nodes := make([]lidar.Node, 10)
	scanTime := pt * 9

	// First rotation: the read finished 1ms after it started, the closing
	// sync sample had 3 points still buffered.
	nodes[0].DelayTime = 3 * pt
	start, end := l.rotationStamps(nodes, 1_000_000_000, 1_001_000_000)
	assert.Equal(t, uint64(1_000_000_000), start, "clamped to the read start")
	assert.Equal(t, start+scanTime, end)

	// The rotation overlaps the previous one by the buffered delay: it is
	// chained right after it.
	nodes[0].DelayTime = 5 * pt
	start2, end2 := l.rotationStamps(nodes, end-10*pt, end+3*pt+scanTime)
	assert.Equal(t, end+pt, start2)
	assert.Equal(t, start2+scanTime, end2)

	// A device stamp older than the read start takes precedence.
	fresh := NewG2Lidar(NewG2Driver(nil), 12, 5)
	nodes[0].DelayTime = 0
	nodes[0].Stamp = 500_000_000
	start3, end3 := fresh.rotationStamps(nodes, 2_000_000_000, 2_100_000_000)
	assert.Equal(t, uint64(500_000_000)-pt-scanTime, start3)
	assert.Equal(t, uint64(500_000_000)-pt, end3)
}
