package shm

import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/multierr"
)

// LockName identifies one of the per-area locks of a Segment.
type LockName uint8

const (
	LockPoseCurrent LockName = iota
	LockPoseOrder
	LockLidarData
	LockLidarCoords
	LockDetectorObstacles
	LockMonitorObstacles
	LockObstacles
	lockNameCount
)

var lockNames = [lockNameCount]string{
	LockPoseCurrent:       "PoseCurrent",
	LockPoseOrder:         "PoseOrder",
	LockLidarData:         "LidarData",
	LockLidarCoords:       "LidarCoords",
	LockDetectorObstacles: "DetectorObstacles",
	LockMonitorObstacles:  "MonitorObstacles",
	LockObstacles:         "Obstacles",
}

func (n LockName) String() string {
	if n < lockNameCount {
		return lockNames[n]
	}
	return fmt.Sprintf("LockName(%d)", uint8(n))
}

// LockNames returns every lock of a segment in declaration order.
func LockNames() []LockName {
	out := make([]LockName, lockNameCount)
	for i := range out {
		out[i] = LockName(i)
	}
	return out
}

// ParseLockName resolves a lock by its string form.
func ParseLockName(s string) (LockName, error) {
	for i, n := range lockNames {
		if n == s {
			return LockName(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lock name %q", s)
}

// Segment is a named shared memory object holding the shared robot state,
// together with one WritePriorityLock per logical area.
type Segment struct {
	name  string
	owner bool
	m     *mapping
	data  *sharedData
	locks [lockNameCount]*WritePriorityLock

	closeOnce sync.Once
	closeErr  error
}

// CreateSegment creates the segment name, replacing stale objects left by a
// previous owner, and initialises it: all fields zero, sensor rows -1.
func CreateSegment(ns Namespace, name string) (*Segment, error) {
	return newSegment(ns, name, true)
}

// AttachSegment maps an existing segment and its locks.
func AttachSegment(ns Namespace, name string) (*Segment, error) {
	return newSegment(ns, name, false)
}

func newSegment(ns Namespace, name string, owner bool) (s *Segment, err error) {
	name = objectName(name)
	s = &Segment{name: name, owner: owner}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.release())
			s = nil
		}
	}()

	if owner {
		s.m, err = createObject(ns.ShmPath(name), SegmentSize, nil)
	} else {
		s.m, err = openObject(ns.ShmPath(name), SegmentSize)
	}
	if err != nil {
		return s, err
	}
	s.data = (*sharedData)(unsafe.Pointer(&s.m.mem[0]))

	if owner {
		for i := range s.data.LidarData {
			s.data.LidarData[i] = [3]float32{Sentinel, Sentinel, Sentinel}
		}
		s.data.LidarCoords[0] = [2]float64{Sentinel, Sentinel}
	}

	for i := range s.locks {
		lockName := fmt.Sprintf("%s_%s", name, LockName(i))
		if s.locks[i], err = NewWritePriorityLock(ns, lockName, owner); err != nil {
			return s, fmt.Errorf("lock %s: %w", lockName, err)
		}
	}
	return s, nil
}

// Name returns the segment's object name.
func (s *Segment) Name() string { return s.name }

// Owner reports whether this process created the segment.
func (s *Segment) Owner() bool { return s.owner }

// Lock returns the lock guarding one area of the segment.
func (s *Segment) Lock(n LockName) *WritePriorityLock {
	if n >= lockNameCount {
		panic(fmt.Sprintf("shm: %v has no lock", n))
	}
	return s.locks[n]
}

// LidarData is the sensor buffer guarded by LockLidarData.
func (s *Segment) LidarData() SensorBuffer {
	return SensorBuffer{rows: &s.data.LidarData}
}

// LidarCoords is the Cartesian buffer guarded by LockLidarCoords.
func (s *Segment) LidarCoords() CoordsBuffer {
	return CoordsBuffer{rows: &s.data.LidarCoords}
}

// PoseCurrent is the ring of recent robot poses guarded by LockPoseCurrent.
func (s *Segment) PoseCurrent() PoseBuffer {
	return PoseBuffer{d: &s.data.PoseCurrent}
}

// PoseOrder is guarded by LockPoseOrder.
func (s *Segment) PoseOrder() *PoseOrder { return &s.data.PoseOrder }

// TableLimits holds min x, max x, min y and max y in millimetres.
func (s *Segment) TableLimits() *[4]float32 { return &s.data.TableLimits }

// DetectorObstacles is guarded by LockDetectorObstacles.
func (s *Segment) DetectorObstacles() List[Circle] {
	return newList(&s.data.DetectorObstacles.Count, s.data.DetectorObstacles.Elems[:])
}

// MonitorObstacles is guarded by LockMonitorObstacles.
func (s *Segment) MonitorObstacles() List[Circle] {
	return newList(&s.data.MonitorObstacles.Count, s.data.MonitorObstacles.Elems[:])
}

// CircleObstacles is guarded by LockObstacles.
func (s *Segment) CircleObstacles() List[ObstacleCircle] {
	return newList(&s.data.CircleObstacles.Count, s.data.CircleObstacles.Elems[:])
}

// RectangleObstacles is guarded by LockObstacles.
func (s *Segment) RectangleObstacles() List[ObstaclePolygon] {
	return newList(&s.data.RectangleObstacles.Count, s.data.RectangleObstacles.Elems[:])
}

// Properties are written once by the owner at startup.
func (s *Segment) Properties() *Properties { return &s.data.Properties }

// ReadLidarData copies the sensor rows under a read lock.
func (s *Segment) ReadLidarData(dst []SensorPoint) []SensorPoint {
	l := s.Lock(LockLidarData)
	l.StartReading()
	defer l.FinishReading()
	return s.LidarData().Load(dst)
}

// ReadLidarCoords copies the Cartesian rows under a read lock.
func (s *Segment) ReadLidarCoords(dst []Coords) []Coords {
	l := s.Lock(LockLidarCoords)
	l.StartReading()
	defer l.FinishReading()
	return s.LidarCoords().Load(dst)
}

// CurrentPose reads pose n of the pose ring under a read lock.
func (s *Segment) CurrentPose(n int) (Pose, error) {
	l := s.Lock(LockPoseCurrent)
	l.StartReading()
	defer l.FinishReading()
	return s.PoseCurrent().Get(n)
}

// Close releases the locks and the mapping; the owner unlinks everything.
// It is safe to call more than once.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.release()
	})
	return s.closeErr
}

func (s *Segment) release() error {
	var err error
	for i, l := range s.locks {
		if l != nil {
			err = multierr.Append(err, l.Close())
			s.locks[i] = nil
		}
	}
	if s.m != nil {
		err = multierr.Append(err, s.m.unmap())
		if s.owner {
			err = multierr.Append(err, unlink(s.m.path))
		}
		s.m = nil
	}
	s.data = nil
	return err
}
