package serialmux

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotAccelLine is returned for lines that are not accelerometer samples,
// such as boot banners or command echoes from the board.
var ErrNotAccelLine = errors.New("not an accelerometer line")

// AccelLine is one accelerometer sample as printed by the IMU firmware.
type AccelLine struct {
	UserID   string  `json:"user_id"`
	WalkerID string  `json:"walker_id"`
	Ax       float64 `json:"ax"`
	Ay       float64 `json:"ay"`
	Az       float64 `json:"az"`
}

// ParseAccelLine accepts either a JSON object
//
//	{"user_id":"u1","walker_id":"w1","ax":0.1,"ay":0.2,"az":9.8}
//
// or CSV of the form "u1,w1,0.1,0.2,9.8". Comment lines starting with '#'
// and blank lines yield ErrNotAccelLine.
func ParseAccelLine(line string) (AccelLine, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return AccelLine{}, ErrNotAccelLine
	}

	if strings.HasPrefix(line, "{") {
		var raw struct {
			UserID   string   `json:"user_id"`
			WalkerID string   `json:"walker_id"`
			Ax       *float64 `json:"ax"`
			Ay       *float64 `json:"ay"`
			Az       *float64 `json:"az"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return AccelLine{}, fmt.Errorf("%w: %v", ErrNotAccelLine, err)
		}
		if raw.Ax == nil || raw.Ay == nil || raw.Az == nil {
			return AccelLine{}, fmt.Errorf("%w: missing axis", ErrNotAccelLine)
		}
		return AccelLine{UserID: raw.UserID, WalkerID: raw.WalkerID, Ax: *raw.Ax, Ay: *raw.Ay, Az: *raw.Az}, nil
	}

	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return AccelLine{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrNotAccelLine, len(fields))
	}
	out := AccelLine{
		UserID:   strings.TrimSpace(fields[0]),
		WalkerID: strings.TrimSpace(fields[1]),
	}
	for i, dst := range []*float64{&out.Ax, &out.Ay, &out.Az} {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[2+i]), 64)
		if err != nil {
			return AccelLine{}, fmt.Errorf("%w: field %d: %v", ErrNotAccelLine, 3+i, err)
		}
		*dst = v
	}
	return out, nil
}
