package publish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cogip/shmlidar/internal/config"
	"github.com/cogip/shmlidar/internal/lidar"
)

func rotation(start, span uint64, nodes int) *lidar.Scan {
	return &lidar.Scan{StartStamp: start, EndStamp: start + span, ReadDuration: span, NodeCount: nodes}
}

func TestResampler_AccumulatesAtNominalRate(t *testing.T) {
	r := NewResampler(5, 1000, 30, 10*time.Second)

	r.Observe(rotation(0, 100_000_000, 500))
	r.Observe(rotation(100_000_000, 100_000_000, 500))

	st := r.Stats()
	assert.Equal(t, 5000, st.NominalRate)
	assert.Equal(t, 5000, st.RealRate)
	assert.Equal(t, uint64(1000), st.Samples)
	assert.Zero(t, st.Resets)
}

func TestResampler_SkewedReadDoesNotOpenWindow(t *testing.T) {
	r := NewResampler(5, 1000, 30, 10*time.Second)

	s := rotation(0, 100_000_000, 500)
	s.ReadDuration += uint64(20 * time.Millisecond)
	r.Observe(s)

	assert.Zero(t, r.Stats().Samples)
}

func TestResampler_LargeDriftResets(t *testing.T) {
	r := NewResampler(5, 1000, 30, 10*time.Second)

	r.Observe(rotation(0, 50_000_000, 500)) // 10 kHz

	st := r.Stats()
	assert.Equal(t, 10000, st.RealRate)
	assert.Zero(t, st.Samples)
	assert.Equal(t, uint64(1), st.Resets)
}

func TestResampler_SmallDriftResetsAfterLongWindow(t *testing.T) {
	r := NewResampler(5, 1000, 30, 10*time.Second)

	r.Observe(rotation(0, 9_000_000_000, 45360)) // 5040 Hz for 9 s
	assert.Equal(t, uint64(45360), r.Stats().Samples)

	r.Observe(rotation(9_000_000_000, 2_000_000_000, 10080)) // 11 s at 5040 Hz
	st := r.Stats()
	assert.Equal(t, 5040, st.RealRate)
	assert.Zero(t, st.Samples)
	assert.Equal(t, uint64(1), st.Resets)
}

func TestResampler_Reset(t *testing.T) {
	r := NewResampler(5, 1000, 30, 10*time.Second)
	r.Observe(rotation(0, 100_000_000, 500))
	r.Reset(42)
	assert.Zero(t, r.Stats().Samples)
}

func TestResamplerFromConfig(t *testing.T) {
	r := ResamplerFromConfig(config.EmptyDriverConfig())
	st := r.Stats()
	assert.Equal(t, config.DefaultSampleRateK*1000, st.NominalRate)
	assert.Equal(t, config.DefaultResampleAbsThreshold, r.absThreshold)
	assert.Equal(t, config.DefaultResampleLongThreshold, r.longThreshold)
	assert.Equal(t, 10*time.Second, r.longWindow)
}
