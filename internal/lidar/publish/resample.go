package publish

import (
	"time"

	"github.com/cogip/shmlidar/internal/config"
	"github.com/cogip/shmlidar/internal/lidar"
)

// Resampler tracks the sample rate actually delivered by the device against
// the nominal one. The accumulation window restarts when the two drift apart,
// so a stall on the serial link does not poison the estimate for long.
type Resampler struct {
	nominalRate   int // samples per second
	absThreshold  int
	longThreshold int
	longWindow    time.Duration

	allNodes      uint64
	firstNodeTime uint64
	realRate      int
	resets        uint64
}

// maxReadSkew is the largest gap between the host read time and the rotation
// span for a rotation to open an accumulation window.
const maxReadSkew = 10 * time.Millisecond

// NewResampler returns an estimator for a device sampling sampleRateK kHz.
func NewResampler(sampleRateK, absThreshold, longThreshold int, longWindow time.Duration) *Resampler {
	return &Resampler{
		nominalRate:   sampleRateK * 1000,
		absThreshold:  absThreshold,
		longThreshold: longThreshold,
		longWindow:    longWindow,
	}
}

// ResamplerFromConfig builds a Resampler from the driver settings.
func ResamplerFromConfig(cfg *config.DriverConfig) *Resampler {
	return NewResampler(cfg.GetSampleRateK(), cfg.GetResampleAbsThreshold(),
		cfg.GetResampleLongThreshold(), cfg.GetResampleWindow())
}

// Observe accounts for one rotation.
func (r *Resampler) Observe(scan *lidar.Scan) {
	span := int64(scan.EndStamp - scan.StartStamp)
	skew := int64(scan.ReadDuration) - span
	if skew < 0 {
		skew = -skew
	}
	switch {
	case r.allNodes == 0 && skew < int64(maxReadSkew):
		r.firstNodeTime = scan.StartStamp
		r.allNodes += uint64(scan.NodeCount)
	case r.allNodes != 0:
		r.allNodes += uint64(scan.NodeCount)
	}

	if r.allNodes == 0 || scan.EndStamp <= r.firstNodeTime {
		return
	}
	elapsed := scan.EndStamp - r.firstNodeTime
	r.realRate = int(1e9 * float64(r.allNodes) / float64(elapsed))
	diff := r.realRate - r.nominalRate
	if diff < 0 {
		diff = -diff
	}
	if diff > r.absThreshold || (time.Duration(elapsed) > r.longWindow && diff > r.longThreshold) {
		r.allNodes = 0
		r.firstNodeTime = scan.StartStamp
		r.resets++
	}
}

// Reset restarts the window at now, after a failed or skipped read.
func (r *Resampler) Reset(now uint64) {
	r.allNodes = 0
	r.firstNodeTime = now
}

// ResamplerStats is the estimator state.
type ResamplerStats struct {
	NominalRate int    `json:"nominal_rate"`
	RealRate    int    `json:"real_rate"`
	Samples     uint64 `json:"window_samples"`
	Resets      uint64 `json:"resets"`
}

// Stats returns the estimator state.
func (r *Resampler) Stats() ResamplerStats {
	return ResamplerStats{
		NominalRate: r.nominalRate,
		RealRate:    r.realRate,
		Samples:     r.allNodes,
		Resets:      r.resets,
	}
}
