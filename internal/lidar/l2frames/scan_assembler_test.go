package l2frames

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/parse"
)

func syncNode() lidar.Node    { return lidar.Node{Sync: lidar.NodeSync, DistanceQ2: 4000} }
func regularNode() lidar.Node { return lidar.Node{Sync: lidar.NodeNotSync, DistanceQ2: 4000} }

func TestScanAssembler_DropsFirstPartialRotation(t *testing.T) {
	a := NewScanAssembler(0)
	for i := 0; i < 5; i++ {
		assert.Nil(t, a.Add(regularNode()))
	}
	assert.Nil(t, a.Add(syncNode()), "samples before the first sync node are not a rotation")
	for i := 0; i < 3; i++ {
		a.Add(regularNode())
	}
	rot := a.Add(syncNode())
	require.Len(t, rot, 4)
	assert.True(t, rot[0].IsSync())
	for _, n := range rot[1:] {
		assert.False(t, n.IsSync())
	}
	assert.Equal(t, 1, a.Len())

	st := a.Stats()
	assert.Equal(t, uint64(1), st.Rotations)
	assert.Equal(t, uint64(1), st.Discarded)
}

func TestScanAssembler_DegenerateRotation(t *testing.T) {
	a := NewScanAssembler(0)
	a.Add(syncNode())
	assert.Nil(t, a.Add(syncNode()))
	assert.Equal(t, uint64(1), a.Stats().Degenerate)
}

func TestScanAssembler_TimeoutDiscardsRotation(t *testing.T) {
	a := NewScanAssembler(0)
	a.Add(syncNode())
	a.Add(regularNode())
	a.Timeout()
	a.Add(regularNode())
	assert.Nil(t, a.Add(syncNode()))

	a.Add(regularNode())
	assert.Len(t, a.Add(syncNode()), 2)
}

func TestScanAssembler_Overflow(t *testing.T) {
	a := NewScanAssembler(8)
	a.Add(syncNode())
	for i := 0; i < 20; i++ {
		n := regularNode()
		n.DistanceQ2 = uint16(i)
		a.Add(n)
	}
	assert.Equal(t, 7, a.Len())
	assert.Equal(t, uint64(1), a.Stats().Overflows)

	rot := a.Add(syncNode())
	require.Len(t, rot, 7)
	assert.Equal(t, uint16(5), rot[6].DistanceQ2, "samples past the limit are dropped")
}

func TestScanAssembler_DelayTimeFromClosingSync(t *testing.T) {
	a := NewScanAssembler(0)
	a.Add(syncNode())
	a.Add(regularNode())
	closing := syncNode()
	closing.DelayTime = 1234
	rot := a.Add(closing)
	require.Len(t, rot, 2)
	assert.Equal(t, uint64(1234), rot[0].DelayTime)
}

func TestScanAssembler_RotationIsCopied(t *testing.T) {
	a := NewScanAssembler(0)
	a.Add(syncNode())
	a.Add(regularNode())
	rot := a.Add(syncNode())
	require.Len(t, rot, 2)
	rot[1].DistanceQ2 = 1
	a.Add(regularNode())
	next := a.Add(syncNode())
	assert.Equal(t, uint16(4000), next[1].DistanceQ2)
}

// Three packages, the first and third opening a rotation, each with twelve
// samples at 1000 mm spanning 100°.
func TestScanAssembler_EndToEndFromDecoder(t *testing.T) {
	const (
		samplesPerPacket = 12
		distanceQ2       = 4000
		ringStart        = 70<<1 | parse.CT_RING_START
	)
	firsts := []uint16{10, 120, 230}
	cts := []uint8{ringStart, 0, ringStart}

	var stream []byte
	for i, first := range firsts {
		samples := make([]parse.G2Sample, samplesPerPacket)
		for j := range samples {
			samples[j] = parse.G2Sample{Quality: 0x50, Distance: distanceQ2}
		}
		stream = append(stream, parse.EncodeG2Packet(cts[i], first*64, (first+100)*64, samples)...)
	}

	dec := parse.NewG2Decoder()
	asm := NewScanAssembler(0)
	var rotations [][]lidar.Node
	var nodes []lidar.Node
	for _, b := range stream {
		if dec.Feed(b) != parse.EventPacket {
			continue
		}
		nodes = dec.AppendNodes(nodes[:0], 1)
		for _, n := range nodes {
			if rot := asm.Add(n); rot != nil {
				rotations = append(rotations, rot)
			}
		}
	}

	require.Len(t, rotations, 1)
	rot := rotations[0]
	require.Len(t, rot, 2*samplesPerPacket)

	correction := float64(parse.CorrectAngleForOpticalOffset(distanceQ2)) / 64.0
	require.InDelta(t, -6.75, correction, 1e-9)

	interval := 100.0 / float64(samplesPerPacket-1)
	for i, n := range rot {
		assert.False(t, n.Error)
		assert.Equal(t, uint8(70), n.ScanFrequency)
		deg := n.AngleDegrees()
		assert.GreaterOrEqual(t, deg, 0.0)
		assert.Less(t, deg, 330.0)

		first := float64(firsts[i/samplesPerPacket])
		uncorrected := first + interval*float64(i%samplesPerPacket)
		assert.InDelta(t, uncorrected, deg-correction, 1.0/64+1e-6, "sample %d", i)
	}
}
