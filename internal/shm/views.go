package shm

import "fmt"

// Sentinel marks the end of the rows stored in a sensor or coordinates buffer.
const Sentinel = -1

// sensorSentinelRow terminates a sensor buffer; every column is Sentinel.
var sensorSentinelRow = [3]float32{Sentinel, Sentinel, Sentinel}

// SensorPoint is one row of a sensor buffer: angle in degrees, distance in
// millimetres and intensity.
type SensorPoint struct {
	Angle     float32
	Distance  float32
	Intensity float32
}

// SensorBuffer is a fixed-capacity array of sensor rows terminated by a
// (-1, -1, -1) row. It either owns its storage or borrows a Segment's.
type SensorBuffer struct {
	rows  *[MaxLidarDataCount][3]float32
	owned bool
}

// NewSensorBuffer returns an empty buffer owning its storage.
func NewSensorBuffer() SensorBuffer {
	b := SensorBuffer{rows: new([MaxLidarDataCount][3]float32), owned: true}
	b.rows[0] = sensorSentinelRow
	return b
}

// Owned reports whether the buffer owns its storage rather than borrowing a
// segment's.
func (b SensorBuffer) Owned() bool { return b.owned }

// Capacity returns the maximum number of rows.
func (b SensorBuffer) Capacity() int { return MaxLidarDataCount }

// Store replaces the contents with points followed by the sentinel row.
func (b SensorBuffer) Store(points []SensorPoint) error {
	if len(points) > MaxLidarDataCount {
		return fmt.Errorf("%w: %d sensor rows, capacity %d", ErrCapacity, len(points), MaxLidarDataCount)
	}
	for i, p := range points {
		b.rows[i] = [3]float32{p.Angle, p.Distance, p.Intensity}
	}
	if len(points) < MaxLidarDataCount {
		b.rows[len(points)] = sensorSentinelRow
	}
	return nil
}

// Load appends the rows before the sentinel to dst.
func (b SensorBuffer) Load(dst []SensorPoint) []SensorPoint {
	for i := range b.rows {
		r := b.rows[i]
		if r == sensorSentinelRow {
			break
		}
		dst = append(dst, SensorPoint{Angle: r[0], Distance: r[1], Intensity: r[2]})
	}
	return dst
}

// Len returns the number of rows before the sentinel.
func (b SensorBuffer) Len() int {
	for i := range b.rows {
		if b.rows[i] == sensorSentinelRow {
			return i
		}
	}
	return MaxLidarDataCount
}

// CoordsBuffer is the Cartesian counterpart of SensorBuffer; a (-1, -1) row
// ends the contents.
type CoordsBuffer struct {
	rows  *[MaxLidarDataCount][2]float64
	owned bool
}

// NewCoordsBuffer returns an empty buffer owning its storage.
func NewCoordsBuffer() CoordsBuffer {
	b := CoordsBuffer{rows: new([MaxLidarDataCount][2]float64), owned: true}
	b.rows[0] = [2]float64{Sentinel, Sentinel}
	return b
}

func (b CoordsBuffer) Owned() bool   { return b.owned }
func (b CoordsBuffer) Capacity() int { return MaxLidarDataCount }

// Store replaces the contents with coords followed by a (-1, -1) row.
func (b CoordsBuffer) Store(coords []Coords) error {
	if len(coords) > MaxLidarDataCount {
		return fmt.Errorf("%w: %d coordinates, capacity %d", ErrCapacity, len(coords), MaxLidarDataCount)
	}
	for i, c := range coords {
		b.rows[i] = [2]float64{c.X, c.Y}
	}
	if len(coords) < MaxLidarDataCount {
		b.rows[len(coords)] = [2]float64{Sentinel, Sentinel}
	}
	return nil
}

// Load appends the coordinates before the sentinel to dst.
func (b CoordsBuffer) Load(dst []Coords) []Coords {
	for i := range b.rows {
		r := b.rows[i]
		if r == [2]float64{Sentinel, Sentinel} {
			break
		}
		dst = append(dst, Coords{X: r[0], Y: r[1]})
	}
	return dst
}

// PoseBuffer is a ring of the most recent poses; Get(0) is the newest.
type PoseBuffer struct {
	d *poseBufferData
}

// Push records p, overwriting the oldest pose once the ring is full.
func (b PoseBuffer) Push(p Pose) {
	d := b.d
	d.Poses[d.Head] = p
	if d.Full {
		d.Tail = (d.Tail + 1) % MaxPoseBufferSize
	}
	d.Head = (d.Head + 1) % MaxPoseBufferSize
	d.Full = d.Head == d.Tail
}

// Size returns the number of poses held.
func (b PoseBuffer) Size() int {
	d := b.d
	switch {
	case d.Full:
		return MaxPoseBufferSize
	case d.Head >= d.Tail:
		return int(d.Head - d.Tail)
	default:
		return int(MaxPoseBufferSize + d.Head - d.Tail)
	}
}

// Get returns the pose pushed n pushes ago.
func (b PoseBuffer) Get(n int) (Pose, error) {
	size := b.Size()
	if n < 0 || n >= size {
		return Pose{}, fmt.Errorf("%w: pose %d of %d", ErrOutOfRange, n, size)
	}
	idx := (int(b.d.Head) + MaxPoseBufferSize - 1 - n) % MaxPoseBufferSize
	return b.d.Poses[idx], nil
}

// Clear empties the ring.
func (b PoseBuffer) Clear() {
	b.d.Head, b.d.Tail, b.d.Full = 0, 0, false
}

// List is a view over a fixed-capacity array and its element count.
type List[T any] struct {
	count *uint64
	elems []T
}

func newList[T any](count *uint64, elems []T) List[T] {
	return List[T]{count: count, elems: elems}
}

// NewList returns a list owning storage for capacity elements.
func NewList[T any](capacity int) List[T] {
	return newList(new(uint64), make([]T, capacity))
}

// View returns a List over the coordinates.
func (l *CoordsList) View() List[Coords] {
	return newList(&l.Count, l.Elems[:])
}

func (l List[T]) Len() int {
	n := int(*l.count)
	if n > len(l.elems) {
		return len(l.elems)
	}
	return n
}

func (l List[T]) Cap() int { return len(l.elems) }

// At returns element i.
func (l List[T]) At(i int) (T, error) {
	if i < 0 || i >= l.Len() {
		var zero T
		return zero, fmt.Errorf("%w: element %d of %d", ErrOutOfRange, i, l.Len())
	}
	return l.elems[i], nil
}

// Set overwrites element i, which must already exist.
func (l List[T]) Set(i int, v T) error {
	if i < 0 || i >= l.Len() {
		return fmt.Errorf("%w: element %d of %d", ErrOutOfRange, i, l.Len())
	}
	l.elems[i] = v
	return nil
}

// Append adds v at the end.
func (l List[T]) Append(v T) error {
	n := l.Len()
	if n >= len(l.elems) {
		return fmt.Errorf("%w: list full at %d elements", ErrCapacity, n)
	}
	l.elems[n] = v
	*l.count = uint64(n + 1)
	return nil
}

// Clear empties the list.
func (l List[T]) Clear() { *l.count = 0 }

// Replace swaps the contents for items. Nothing changes if items do not fit.
func (l List[T]) Replace(items []T) error {
	if len(items) > len(l.elems) {
		return fmt.Errorf("%w: %d elements, capacity %d", ErrCapacity, len(items), len(l.elems))
	}
	copy(l.elems, items)
	*l.count = uint64(len(items))
	return nil
}

// Items returns a copy of the contents.
func (l List[T]) Items() []T {
	out := make([]T, l.Len())
	copy(out, l.elems)
	return out
}
