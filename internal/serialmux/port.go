package serialmux

import "io"

// SerialPorter is the part of a serial port the mux uses, so tests can
// run without hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
