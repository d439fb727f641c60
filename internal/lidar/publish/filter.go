// Package publish moves rotations from a lidar driver into the shared
// segment at the rotation rate: it filters and converts each scan, writes it
// with its sentinel row under the LidarData write lock and wakes registered
// consumers.
package publish

import (
	"math"

	"github.com/cogip/shmlidar/internal/config"
	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/shm"
)

// Filter drops points outside the configured range, intensity and angle
// window. Angles strictly inside (MinInvalidAngle, MaxInvalidAngle) are
// excluded; an empty window excludes nothing.
type Filter struct {
	MinIntensity    float64
	MinDistance     float64
	MaxDistance     float64
	MinInvalidAngle float64
	MaxInvalidAngle float64
}

// DefaultFilter keeps every point a uint16 distance can express.
func DefaultFilter() Filter {
	return Filter{MaxDistance: math.MaxUint16}
}

// FilterFromConfig reads the filter settings of cfg.
func FilterFromConfig(cfg *config.DriverConfig) Filter {
	return Filter{
		MinIntensity:    cfg.GetMinIntensity(),
		MinDistance:     cfg.GetMinDistance(),
		MaxDistance:     cfg.GetMaxDistance(),
		MinInvalidAngle: cfg.GetMinInvalidAngle(),
		MaxInvalidAngle: cfg.GetMaxInvalidAngle(),
	}
}

// Keep reports whether p is published.
func (f Filter) Keep(p lidar.Point) bool {
	if p.Angle > f.MinInvalidAngle && p.Angle < f.MaxInvalidAngle {
		return false
	}
	if p.Range < f.MinDistance || p.Range > f.MaxDistance {
		return false
	}
	return p.Intensity >= f.MinIntensity
}

// Apply appends the kept points of src to dst as sensor rows.
func (f Filter) Apply(dst []shm.SensorPoint, src []lidar.Point) []shm.SensorPoint {
	for _, p := range src {
		if !f.Keep(p) {
			continue
		}
		dst = append(dst, shm.SensorPoint{
			Angle:     float32(p.Angle),
			Distance:  float32(p.Range),
			Intensity: float32(p.Intensity),
		})
	}
	return dst
}
