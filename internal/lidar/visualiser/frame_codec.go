package visualiser

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/lidar/publish"
)

// ScanToStruct encodes a published scan. Fields:
//
//	session_id, scan_id  string
//	seq                  number
//	time                 string, RFC 3339 with nanoseconds
//	frequency_hz         number
//	node_count           number
//	duration_ms          number
//	angles               list of degrees
//	ranges               list of millimetres
//	intensities          list
func ScanToStruct(p *publish.Published) (*structpb.Struct, error) {
	angles := make([]any, len(p.Points))
	ranges := make([]any, len(p.Points))
	intensities := make([]any, len(p.Points))
	for i, pt := range p.Points {
		angles[i] = pt.Angle
		ranges[i] = pt.Range
		intensities[i] = pt.Intensity
	}
	return structpb.NewStruct(map[string]any{
		"session_id":   p.SessionID.String(),
		"scan_id":      p.ScanID.String(),
		"seq":          p.Seq,
		"time":         p.Time.UTC().Format(time.RFC3339Nano),
		"frequency_hz": p.FrequencyHz,
		"node_count":   p.NodeCount,
		"duration_ms":  float64(p.Duration) / float64(time.Millisecond),
		"angles":       angles,
		"ranges":       ranges,
		"intensities":  intensities,
	})
}

// StructToPoints decodes the point lists of a scan message.
func StructToPoints(s *structpb.Struct) ([]lidar.Point, error) {
	f := s.GetFields()
	angles := f["angles"].GetListValue().GetValues()
	ranges := f["ranges"].GetListValue().GetValues()
	intensities := f["intensities"].GetListValue().GetValues()
	if len(angles) != len(ranges) || len(angles) != len(intensities) {
		return nil, fmt.Errorf("point lists differ in length: %d angles, %d ranges, %d intensities",
			len(angles), len(ranges), len(intensities))
	}
	points := make([]lidar.Point, len(angles))
	for i := range angles {
		points[i] = lidar.Point{
			Angle:     angles[i].GetNumberValue(),
			Range:     ranges[i].GetNumberValue(),
			Intensity: intensities[i].GetNumberValue(),
		}
	}
	return points, nil
}
