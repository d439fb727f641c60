package l2frames

import (
	"sort"

	"github.com/cogip/shmlidar/internal/lidar"
)

// Rotation detection for angle-wrapped streams.
const (
	WrapLowAngle      = 20.0 // a sample below this after one above WrapHighAngle closes a rotation
	WrapHighAngle     = 340.0
	NominalPointRate  = 4500.0 // samples per second
	WrapOverrunFactor = 1.4    // rotation too long at the wrap: drop it
	BufferLimitFactor = 2.0    // samples without a wrap: drop them
)

// RotationAssembler groups LD19 points into rotations by watching the angle
// wrap through 0°. Points are in device degrees.
type RotationAssembler struct {
	pending []lidar.Point
	stats   ScanAssemblerStats
}

func NewRotationAssembler() *RotationAssembler {
	return &RotationAssembler{}
}

// Add queues points decoded from one frame.
func (r *RotationAssembler) Add(points ...lidar.Point) {
	r.pending = append(r.pending, points...)
}

// Assemble returns the next complete rotation sorted by stamp, or nil.
// speedDegPerSec is the last rotation speed reported by the device.
func (r *RotationAssembler) Assemble(speedDegPerSec float64) []lidar.Point {
	if speedDegPerSec <= 0 {
		r.pending = r.pending[:0]
		return nil
	}
	hz := speedDegPerSec / 360.0

	lastAngle := 0.0
	for count, p := range r.pending {
		if p.Angle < WrapLowAngle && lastAngle > WrapHighAngle {
			if float64(count)*hz > NominalPointRate*WrapOverrunFactor {
				r.stats.Discarded++
				opsf("rotation of %d samples too long at %.1f Hz, dropping it", count, hz)
				r.drop(count)
				return nil
			}
			if count > 0 {
				out := make([]lidar.Point, count)
				copy(out, r.pending[:count])
				sort.SliceStable(out, func(i, j int) bool { return out[i].Stamp < out[j].Stamp })
				r.drop(count)
				r.stats.Rotations++
				tracef("rotation complete: %d samples", count)
				return out
			}
		}
		if float64(count+1)*hz > NominalPointRate*BufferLimitFactor {
			r.stats.Overflows++
			opsf("no rotation wrap after %d samples, dropping them", count+1)
			r.drop(count + 1)
			return nil
		}
		lastAngle = p.Angle
	}
	return nil
}

func (r *RotationAssembler) drop(n int) {
	if n >= len(r.pending) {
		r.pending = r.pending[:0]
		return
	}
	r.pending = append(r.pending[:0], r.pending[n:]...)
}

// Len returns the number of queued points.
func (r *RotationAssembler) Len() int { return len(r.pending) }

func (r *RotationAssembler) Stats() ScanAssemblerStats { return r.stats }
