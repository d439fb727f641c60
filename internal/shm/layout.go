package shm

import "unsafe"

// Capacities of the shared containers.
const (
	MaxLidarDataCount   = 1024
	MaxPoseBufferSize   = 256
	MaxCircleCount      = 1024
	MaxObstacleCount    = 256
	MaxCoordsListLength = 256
)

// Coords is a point on the table, in millimetres.
type Coords struct {
	X, Y float64
}

// Pose is a position and heading (degrees).
type Pose struct {
	X, Y, Angle float64
}

// PoseOrder is a motion target with its driving constraints.
type PoseOrder struct {
	X, Y, Angle            float64
	MaxSpeedLinear         uint8
	MaxSpeedAngular        uint8
	AllowReverse           bool
	BypassAntiBlocking     bool
	BypassFinalOrientation bool
	TimeoutMs              uint32
	IsIntermediate         bool
}

// Circle is a detected obstacle footprint.
type Circle struct {
	X, Y, Radius float64
}

// CoordsList is a fixed-capacity list of coordinates.
type CoordsList struct {
	Count uint64
	Elems [MaxCoordsListLength]Coords
}

// ObstacleCircle is a circular fixed obstacle with its avoidance polygon.
type ObstacleCircle struct {
	ID                      uint32
	Center                  Pose
	Radius                  float64
	BoundingBoxMargin       float64
	BoundingBoxPointsNumber uint8
	BoundingBox             CoordsList
}

// ObstaclePolygon is a polygonal (usually rectangular) fixed obstacle.
type ObstaclePolygon struct {
	ID                      uint32
	Center                  Pose
	Radius                  float64
	Points                  CoordsList
	BoundingBoxMargin       float64
	BoundingBoxPointsNumber uint8
	BoundingBox             CoordsList
	LengthX                 float64
	LengthY                 float64
}

// Properties are the robot parameters shared with every process.
type Properties struct {
	RobotID                     uint8
	RobotWidth                  uint16
	RobotLength                 uint16
	ObstacleRadius              uint16
	ObstacleBoundingBoxMargin   float64
	ObstacleBoundingBoxVertices uint8
	ObstacleUpdaterInterval     float64
	PathRefreshInterval         float64
	BypassDetector              bool
	DisableFixedObstacles       bool
	Table                       uint8
	Strategy                    uint8
	StartPosition               uint8
	AvoidanceStrategy           uint8
}

type poseBufferData struct {
	Poses [MaxPoseBufferSize]Pose
	Head  uint64
	Tail  uint64
	Full  bool
}

type circleListData struct {
	Count uint64
	Elems [MaxCircleCount]Circle
}

type obstacleCircleListData struct {
	Count uint64
	Elems [MaxObstacleCount]ObstacleCircle
}

type obstaclePolygonListData struct {
	Count uint64
	Elems [MaxObstacleCount]ObstaclePolygon
}

// sharedData is the segment layout. It holds only fixed-size value fields so
// that the same bytes are meaningful in every process mapping them.
type sharedData struct {
	PoseCurrent        poseBufferData
	PoseOrder          PoseOrder
	TableLimits        [4]float32
	LidarData          [MaxLidarDataCount][3]float32
	LidarCoords        [MaxLidarDataCount][2]float64
	DetectorObstacles  circleListData
	MonitorObstacles   circleListData
	CircleObstacles    obstacleCircleListData
	RectangleObstacles obstaclePolygonListData
	Properties         Properties
}

// SegmentSize is the size in bytes of a mapped Segment.
const SegmentSize = int(unsafe.Sizeof(sharedData{}))

// Table limit indices.
const (
	TableMinX = iota
	TableMaxX
	TableMinY
	TableMaxY
)
