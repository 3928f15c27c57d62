package serialmux

import (
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate suits the walker IMU boards.
const DefaultBaudRate = 115200

// PortOptions are the line settings for a real port.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// ParsePortOptions reads the usual "115200,8N1" notation. The frame part
// is optional; "9600" means 9600 8N1.
func ParsePortOptions(s string) (PortOptions, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortOptions{}.Normalize()
	}
	baud, frame, _ := strings.Cut(s, ",")
	rate, err := strconv.Atoi(strings.TrimSpace(baud))
	if err != nil || rate <= 0 {
		return PortOptions{}, fmt.Errorf("invalid baud rate %q", baud)
	}
	opts := PortOptions{BaudRate: rate}

	frame = strings.ToUpper(strings.TrimSpace(frame))
	if frame != "" {
		if len(frame) != 3 {
			return PortOptions{}, fmt.Errorf("invalid frame %q: expected e.g. 8N1", frame)
		}
		opts.DataBits = int(frame[0] - '0')
		opts.Parity = string(frame[1])
		opts.StopBits = int(frame[2] - '0')
	}
	return opts.Normalize()
}

// Normalize fills defaults and validates.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}

	switch strings.ToUpper(strings.TrimSpace(o.Parity)) {
	case "", "N", "NONE":
		o.Parity = "N"
	case "E", "EVEN":
		o.Parity = "E"
	case "O", "ODD":
		o.Parity = "O"
	default:
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return o, nil
}

func (o PortOptions) String() string {
	return fmt.Sprintf("%d,%d%s%d", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}
