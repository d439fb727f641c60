package lidar

import "math"

// PolarToCartesian converts a distance and an angle (degrees, counter
// clockwise from the sensor X axis) into sensor-frame coordinates.
func PolarToCartesian(distance, angleDeg float64) (x, y float64) {
	rad := angleDeg * math.Pi / 180.0
	return distance * math.Cos(rad), distance * math.Sin(rad)
}

// Transform2D places the sensor on a robot and the robot on the table.
// OffsetX and OffsetY locate the sensor in the robot frame; X, Y and
// AngleDeg are the robot pose in the table frame.
type Transform2D struct {
	OffsetX, OffsetY float64
	X, Y, AngleDeg   float64
}

// Apply maps sensor-frame (x, y) to table coordinates.
func (t Transform2D) Apply(x, y float64) (tx, ty float64) {
	rx := x + t.OffsetX
	ry := y + t.OffsetY
	sin, cos := math.Sincos(t.AngleDeg * math.Pi / 180.0)
	tx = t.X + rx*cos - ry*sin
	ty = t.Y + rx*sin + ry*cos
	return
}

// Rect is an axis-aligned rectangle.
type Rect struct {
	MinX, MaxX, MinY, MaxY float64
}

// Shrink returns r with every side moved inwards by margin.
func (r Rect) Shrink(margin float64) Rect {
	return Rect{r.MinX + margin, r.MaxX - margin, r.MinY + margin, r.MaxY - margin}
}

// ContainsOpen reports whether (x, y) is strictly inside r.
func (r Rect) ContainsOpen(x, y float64) bool {
	return r.MinX < x && x < r.MaxX && r.MinY < y && y < r.MaxY
}
