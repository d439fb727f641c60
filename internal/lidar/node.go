package lidar

import "fmt"

// Result is the outcome of a driver operation. Expected hardware conditions
// are reported through it rather than as errors.
type Result int

const (
	ResultOK      Result = 0
	ResultTimeout Result = -1
	ResultFail    Result = -2
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultFail:
		return "FAIL"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// OK reports whether r is ResultOK.
func (r Result) OK() bool { return r == ResultOK }

// DriverError is the sticky status a driver exposes to its callers.
type DriverError int

const (
	NoError DriverError = iota
	DeviceNotFoundError
	PermissionError
	UnsupportedOperationError
	UnknownError
	TimeoutError
	NotOpenError
	BlockError
	NotBufferError
	TrembleError
	LaserFailureError
)

var driverErrorText = [...]string{
	NoError:                   "No error",
	DeviceNotFoundError:       "Device is not found",
	PermissionError:           "Device is not permission",
	UnsupportedOperationError: "unsupported operation",
	UnknownError:              "Unknown error",
	TimeoutError:              "Operation timed out",
	NotOpenError:              "Device is not open",
	BlockError:                "Device Block",
	NotBufferError:            "Device Failed",
	TrembleError:              "Device Tremble",
	LaserFailureError:         "Laser Failure",
}

// Text returns the human readable description reported in logs.
func (e DriverError) Text() string {
	if e >= 0 && int(e) < len(driverErrorText) {
		return driverErrorText[e]
	}
	return "Unknown error"
}

func (e DriverError) String() string { return e.Text() }

// Sync flag values carried by a Node.
const (
	NodeSync    uint8 = 1
	NodeNotSync uint8 = 2
)

// Node is one decoded range sample in device units.
type Node struct {
	Sync            uint8  // NodeSync on the first sample of a rotation
	Quality         uint16 // 10-bit signal quality
	AngleQ6Checkbit uint16 // angle in 1/64 degree shifted left by one, bit 0 set
	DistanceQ2      uint16 // distance in 1/4 mm
	Stamp           uint64 // ns
	DelayTime       uint64 // ns of data still buffered behind a sync sample
	ScanFrequency   uint8  // device frequency in 0.1 Hz, 0 when unknown
	Error           bool   // the sample came from a corrupted packet
}

// IsSync reports whether the node opens a new rotation.
func (n Node) IsSync() bool { return n.Sync&NodeSync != 0 }

// AngleDegrees returns the sample angle in degrees, clockwise.
func (n Node) AngleDegrees() float64 {
	return float64(n.AngleQ6Checkbit>>1) / 64.0
}

// RangeMM returns the distance in millimetres.
func (n Node) RangeMM() float64 {
	return float64(n.DistanceQ2) / 4.0
}

// Point is one sample in the published unit system: counter-clockwise
// degrees, millimetres and an 8-bit intensity.
type Point struct {
	Angle     float64
	Range     float64
	Intensity float64
	Stamp     uint64
}

// Scan is one full rotation handed to the publisher.
type Scan struct {
	Points []Point

	// Device-level timing, all in ns.
	StartStamp uint64
	EndStamp   uint64
	// ReadDuration is how long the caller waited for the rotation.
	ReadDuration uint64

	// NodeCount is the number of samples decoded for the rotation, before any
	// filtering.
	NodeCount   int
	FrequencyHz float64
}
