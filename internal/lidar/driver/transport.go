// Package driver talks to the lidar hardware. G2Driver implements the YDLidar
// G2 command set and read loop; G2Lidar and LD19Lidar turn each device's
// output into lidar.Scan values for the publisher.
package driver

import (
	"errors"
	"time"

	"github.com/cogip/shmlidar/internal/lidar"
	"github.com/cogip/shmlidar/internal/serialmux"
)

// Transport is the serial boundary a driver needs. *serialmux.SerialMux
// satisfies it.
type Transport interface {
	SendCommand(command []byte) error
	SetDTR(dtr bool) error
	Flush()
	Available() int
	Read(p []byte, timeout time.Duration) (int, error)
	Close() error
}

var _ Transport = (*serialmux.SerialMux[serialmux.SerialPorter])(nil)

// resultFromReadErr maps a transport read error to a driver result.
func resultFromReadErr(err error) lidar.Result {
	switch {
	case err == nil:
		return lidar.ResultOK
	case errors.Is(err, serialmux.ErrReadTimeout):
		return lidar.ResultTimeout
	default:
		return lidar.ResultFail
	}
}

// Scanner is a lidar that produces rotations for the publisher.
type Scanner interface {
	// Process fills scan with the next rotation. It returns false when no
	// rotation was available; scan.Points is then either left untouched (the
	// device is not scanning) or emptied (the read failed).
	Process(scan *lidar.Scan) bool

	// ScanFrequency returns the rotation frequency in Hz.
	ScanFrequency() float64

	// IsScanning reports whether rotations are expected.
	IsScanning() bool

	// Status returns a snapshot for the debug surfaces.
	Status() Status
}

// Status is a driver snapshot exposed on the debug routes.
type Status struct {
	Model         string            `json:"model"`
	Connected     bool              `json:"connected"`
	Scanning      bool              `json:"scanning"`
	Error         lidar.DriverError `json:"-"`
	ErrorText     string            `json:"error"`
	ScanFrequency float64           `json:"scan_frequency_hz"`
	Device        map[string]any    `json:"device,omitempty"`
	Decoder       any               `json:"decoder,omitempty"`
	Assembler     any               `json:"assembler,omitempty"`
}
