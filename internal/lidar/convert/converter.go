// Package convert turns the sensor rows published in a segment into table
// coordinates for the planner.
package convert

import (
	"sync"
	"time"

	"github.com/cogip/shmlidar/internal/config"
	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/monitoring"
	"github.com/cogip/shmlidar/internal/shm"
)

// Config contains configuration for Converter.
type Config struct {
	// Segment is the attached segment to read from and write to.
	Segment *shm.Segment
	// PoseIndex selects the pose in the current pose ring, 0 being the newest.
	PoseIndex int
	// TableLimitsMargin shrinks the table limits on every side.
	TableLimitsMargin float64
	// OffsetX and OffsetY locate the sensor in the robot frame.
	OffsetX, OffsetY float64
}

// ConfigFromDriver fills a Config from the driver settings.
func ConfigFromDriver(seg *shm.Segment, cfg *config.DriverConfig) Config {
	return Config{
		Segment:           seg,
		PoseIndex:         cfg.GetPoseIndex(),
		TableLimitsMargin: cfg.GetTableLimitsMargin(),
		OffsetX:           cfg.GetLidarOffsetX(),
		OffsetY:           cfg.GetLidarOffsetY(),
	}
}

// Stats counts conversions.
type Stats struct {
	Conversions uint64 `json:"conversions"`
	PoseErrors  uint64 `json:"pose_errors"`
	LastInput   int    `json:"last_input"`
	LastOutput  int    `json:"last_output"`
}

// Converter waits for lidar data updates and rewrites lidar_coords each time.
type Converter struct {
	cfg       Config
	dataLock  *shm.WritePriorityLock
	poseLock  *shm.WritePriorityLock
	coordLock *shm.WritePriorityLock
	logf      func(format string, v ...interface{})

	rows   []shm.SensorPoint
	coords []shm.Coords

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stats   Stats
}

// NewConverter registers the converter as a consumer of lidar data updates.
func NewConverter(cfg Config) *Converter {
	seg := cfg.Segment
	c := &Converter{
		cfg:       cfg,
		dataLock:  seg.Lock(shm.LockLidarData),
		poseLock:  seg.Lock(shm.LockPoseCurrent),
		coordLock: seg.Lock(shm.LockLidarCoords),
		logf:      monitoring.Component("converter"),
		rows:      make([]shm.SensorPoint, 0, shm.MaxLidarDataCount),
		coords:    make([]shm.Coords, 0, shm.MaxLidarDataCount),
	}
	c.dataLock.RegisterConsumer()
	return c
}

// Start launches the conversion goroutine. Calling it while running has no
// effect.
func (c *Converter) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)
}

// stopCheckInterval bounds how long the conversion goroutine waits for an
// update before it checks for Stop. Another consumer of the segment may take
// the notification Stop posts.
var stopCheckInterval = 100 * time.Millisecond

func (c *Converter) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		updated := c.dataLock.WaitUpdateTimeout(stopCheckInterval)
		select {
		case <-stopCh:
			return
		default:
		}
		if updated {
			c.Convert()
		}
	}
}

// Stop wakes the conversion goroutine and waits for it to exit.
func (c *Converter) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	doneCh := c.doneCh
	c.mu.Unlock()

	c.dataLock.PostUpdate()
	<-doneCh
}

// IsRunning returns whether the conversion goroutine is running.
func (c *Converter) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Convert converts the current lidar data once and returns the number of
// coordinates written. Without a pose nothing is written.
func (c *Converter) Convert() (int, error) {
	seg := c.cfg.Segment

	c.dataLock.StartReading()
	c.rows = seg.LidarData().Load(c.rows[:0])
	c.dataLock.FinishReading()

	c.poseLock.StartReading()
	pose, err := seg.PoseCurrent().Get(c.cfg.PoseIndex)
	c.poseLock.FinishReading()
	if err != nil {
		c.mu.Lock()
		c.stats.PoseErrors++
		c.mu.Unlock()
		c.logf("no current pose: %v", err)
		return 0, err
	}

	limits := seg.TableLimits()
	table := lidar.Rect{
		MinX: float64(limits[shm.TableMinX]),
		MaxX: float64(limits[shm.TableMaxX]),
		MinY: float64(limits[shm.TableMinY]),
		MaxY: float64(limits[shm.TableMaxY]),
	}.Shrink(c.cfg.TableLimitsMargin)

	c.coords = Points(c.coords[:0], c.rows, c.Transform(pose), table)

	c.coordLock.StartWriting()
	err = seg.LidarCoords().Store(c.coords)
	c.coordLock.FinishWriting()
	c.coordLock.PostUpdate()

	c.mu.Lock()
	c.stats.Conversions++
	c.stats.LastInput = len(c.rows)
	c.stats.LastOutput = len(c.coords)
	c.mu.Unlock()
	return len(c.coords), err
}

// Transform is the sensor to table transform for a robot pose.
func (c *Converter) Transform(pose shm.Pose) lidar.Transform2D {
	return lidar.Transform2D{
		OffsetX:  c.cfg.OffsetX,
		OffsetY:  c.cfg.OffsetY,
		X:        pose.X,
		Y:        pose.Y,
		AngleDeg: pose.Angle,
	}
}

// Points appends to dst the table coordinates of rows that land strictly
// inside table.
func Points(dst []shm.Coords, rows []shm.SensorPoint, tf lidar.Transform2D, table lidar.Rect) []shm.Coords {
	for _, r := range rows {
		x, y := lidar.PolarToCartesian(float64(r.Distance), float64(r.Angle))
		tx, ty := tf.Apply(x, y)
		if table.ContainsOpen(tx, ty) {
			dst = append(dst, shm.Coords{X: tx, Y: ty})
		}
	}
	return dst
}

// Stats returns a snapshot of the counters.
func (c *Converter) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
