package lidardb

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cogip/shmlidar/internal/lidar"
)

// ScanStats summarises the ranges of a rotation, in millimetres.
type ScanStats struct {
	Count       int     `json:"count"`
	MeanRange   float64 `json:"mean_range_mm"`
	StdDevRange float64 `json:"stddev_range_mm"`
	MinRange    float64 `json:"min_range_mm"`
	MaxRange    float64 `json:"max_range_mm"`
}

// ComputeScanStats summarises the non-zero ranges of points. The standard
// deviation is the unbiased estimate and is 0 for fewer than two ranges.
func ComputeScanStats(points []lidar.Point) ScanStats {
	ranges := make([]float64, 0, len(points))
	for _, p := range points {
		if p.Range > 0 {
			ranges = append(ranges, p.Range)
		}
	}
	s := ScanStats{Count: len(ranges)}
	if len(ranges) == 0 {
		return s
	}
	s.MinRange = floats.Min(ranges)
	s.MaxRange = floats.Max(ranges)
	if len(ranges) == 1 {
		s.MeanRange = ranges[0]
		return s
	}
	s.MeanRange, s.StdDevRange = stat.MeanStdDev(ranges, nil)
	return s
}
