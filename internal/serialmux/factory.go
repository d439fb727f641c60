package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// pollInterval bounds how long a read on a real port blocks, so the monitor
// loop notices cancellation.
const pollInterval = 100 * time.Millisecond

// OpenSerialPort opens a real serial port at path.
func OpenSerialPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := OpenSerialPort(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
