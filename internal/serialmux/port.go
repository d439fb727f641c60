package serialmux

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// ControlLinePorter is implemented by ports that expose modem control lines.
// Several lidars switch their motor on and off through DTR.
type ControlLinePorter interface {
	SetDTR(dtr bool) error
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// This is an optional interface that serial ports may implement.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// InputFlusher is implemented by ports that can discard unread input held by
// the operating system.
type InputFlusher interface {
	ResetInputBuffer() error
}

// SerialPortOpener opens the port at path. Drivers take one so tests can
// substitute a TestableSerialPort for the hardware.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
