package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/walker.defaults.json"

// WalkerConfig holds the inference tuning for motion tracking and obstacle
// detection. Every field is optional; the Get* accessors fall back to the
// built-in defaults, so partial files are safe.
type WalkerConfig struct {
	// Motion classifier and session tracker
	AccelThreshold *float64 `json:"accel_threshold,omitempty"`
	MotionWindow   *string  `json:"motion_window,omitempty"` // duration string like "10s"
	StillCount     *int     `json:"still_count,omitempty"`
	StopTimeout    *string  `json:"stop_timeout,omitempty"`
	SweepInterval  *string  `json:"sweep_interval,omitempty"`

	// Detection loop
	DetectionInterval *string  `json:"detection_interval,omitempty"`
	FrameTimeout      *string  `json:"frame_timeout,omitempty"`
	FrameRetryDelay   *string  `json:"frame_retry_delay,omitempty"`
	ConfidenceFloor   *float64 `json:"confidence_floor,omitempty"`
	ImageSize         *int     `json:"image_size,omitempty"`
	StreamStopTimeout *string  `json:"stream_stop_timeout,omitempty"`

	// Frame producer
	OpenAttempts *int    `json:"open_attempts,omitempty"`
	OpenBackoff  *string `json:"open_backoff,omitempty"`

	// Debouncer
	ObstacleStreamThreshold *float64 `json:"obstacle_stream_threshold,omitempty"`
	ObstacleUploadThreshold *float64 `json:"obstacle_upload_threshold,omitempty"`
	CrackThreshold          *float64 `json:"crack_threshold,omitempty"`
	SmoothingWindow         *string  `json:"smoothing_window,omitempty"`
	SmoothingRelease        *int     `json:"smoothing_release,omitempty"`

	// Heart rate classification and reports
	HeartRateLow   *int    `json:"heartrate_low,omitempty"`
	HeartRateHigh  *int    `json:"heartrate_high,omitempty"`
	ReportTimezone *string `json:"report_timezone,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultWalkerConfig returns a config with every field populated from the
// built-in defaults.
func DefaultWalkerConfig() *WalkerConfig {
	return &WalkerConfig{
		AccelThreshold:          ptrFloat64(1.5),
		MotionWindow:            ptrString("10s"),
		StillCount:              ptrInt(5),
		StopTimeout:             ptrString("5s"),
		SweepInterval:           ptrString("1s"),
		DetectionInterval:       ptrString("1s"),
		FrameTimeout:            ptrString("5s"),
		FrameRetryDelay:         ptrString("100ms"),
		ConfidenceFloor:         ptrFloat64(0.3),
		ImageSize:               ptrInt(224),
		StreamStopTimeout:       ptrString("5s"),
		OpenAttempts:            ptrInt(3),
		OpenBackoff:             ptrString("1s"),
		ObstacleStreamThreshold: ptrFloat64(0.85),
		ObstacleUploadThreshold: ptrFloat64(0.50),
		CrackThreshold:          ptrFloat64(0.50),
		SmoothingWindow:         ptrString("0s"),
		SmoothingRelease:        ptrInt(0),
		HeartRateLow:            ptrInt(60),
		HeartRateHigh:           ptrInt(100),
		ReportTimezone:          ptrString("Asia/Seoul"),
	}
}

// LoadWalkerConfig loads a WalkerConfig from a JSON file. The file must have a
// .json extension and be under 1MB.
func LoadWalkerConfig(path string) (*WalkerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &WalkerConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so package tests can find it. Panics on failure.
func MustLoadDefaultConfig() *WalkerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadWalkerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *WalkerConfig) Validate() error {
	durations := map[string]*string{
		"motion_window":       c.MotionWindow,
		"stop_timeout":        c.StopTimeout,
		"sweep_interval":      c.SweepInterval,
		"detection_interval":  c.DetectionInterval,
		"frame_timeout":       c.FrameTimeout,
		"frame_retry_delay":   c.FrameRetryDelay,
		"stream_stop_timeout": c.StreamStopTimeout,
		"open_backoff":        c.OpenBackoff,
		"smoothing_window":    c.SmoothingWindow,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.AccelThreshold != nil && *c.AccelThreshold <= 0 {
		return fmt.Errorf("accel_threshold must be positive, got %f", *c.AccelThreshold)
	}
	if c.StillCount != nil && *c.StillCount < 1 {
		return fmt.Errorf("still_count must be at least 1, got %d", *c.StillCount)
	}
	if c.ImageSize != nil && *c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", *c.ImageSize)
	}
	if c.OpenAttempts != nil && *c.OpenAttempts < 1 {
		return fmt.Errorf("open_attempts must be at least 1, got %d", *c.OpenAttempts)
	}
	if c.SmoothingRelease != nil && *c.SmoothingRelease < 0 {
		return fmt.Errorf("smoothing_release must be non-negative, got %d", *c.SmoothingRelease)
	}

	probabilities := map[string]*float64{
		"confidence_floor":          c.ConfidenceFloor,
		"obstacle_stream_threshold": c.ObstacleStreamThreshold,
		"obstacle_upload_threshold": c.ObstacleUploadThreshold,
		"crack_threshold":           c.CrackThreshold,
	}
	for name, v := range probabilities {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	if c.GetHeartRateLow() >= c.GetHeartRateHigh() {
		return fmt.Errorf("heartrate_low (%d) must be below heartrate_high (%d)", c.GetHeartRateLow(), c.GetHeartRateHigh())
	}
	if c.ReportTimezone != nil && *c.ReportTimezone != "" {
		if _, err := time.LoadLocation(*c.ReportTimezone); err != nil {
			return fmt.Errorf("invalid report_timezone '%s': %w", *c.ReportTimezone, err)
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func (c *WalkerConfig) GetAccelThreshold() float64 {
	if c.AccelThreshold == nil {
		return 1.5
	}
	return *c.AccelThreshold
}

func (c *WalkerConfig) GetMotionWindow() time.Duration {
	return durationOr(c.MotionWindow, 10*time.Second)
}

func (c *WalkerConfig) GetStillCount() int {
	if c.StillCount == nil {
		return 5
	}
	return *c.StillCount
}

func (c *WalkerConfig) GetStopTimeout() time.Duration {
	return durationOr(c.StopTimeout, 5*time.Second)
}

func (c *WalkerConfig) GetSweepInterval() time.Duration {
	return durationOr(c.SweepInterval, time.Second)
}

func (c *WalkerConfig) GetDetectionInterval() time.Duration {
	return durationOr(c.DetectionInterval, time.Second)
}

func (c *WalkerConfig) GetFrameTimeout() time.Duration {
	return durationOr(c.FrameTimeout, 5*time.Second)
}

func (c *WalkerConfig) GetFrameRetryDelay() time.Duration {
	return durationOr(c.FrameRetryDelay, 100*time.Millisecond)
}

func (c *WalkerConfig) GetConfidenceFloor() float64 {
	if c.ConfidenceFloor == nil {
		return 0.3
	}
	return *c.ConfidenceFloor
}

func (c *WalkerConfig) GetImageSize() int {
	if c.ImageSize == nil {
		return 224
	}
	return *c.ImageSize
}

func (c *WalkerConfig) GetStreamStopTimeout() time.Duration {
	return durationOr(c.StreamStopTimeout, 5*time.Second)
}

func (c *WalkerConfig) GetOpenAttempts() int {
	if c.OpenAttempts == nil {
		return 3
	}
	return *c.OpenAttempts
}

func (c *WalkerConfig) GetOpenBackoff() time.Duration {
	return durationOr(c.OpenBackoff, time.Second)
}

func (c *WalkerConfig) GetObstacleStreamThreshold() float64 {
	if c.ObstacleStreamThreshold == nil {
		return 0.85
	}
	return *c.ObstacleStreamThreshold
}

func (c *WalkerConfig) GetObstacleUploadThreshold() float64 {
	if c.ObstacleUploadThreshold == nil {
		return 0.50
	}
	return *c.ObstacleUploadThreshold
}

func (c *WalkerConfig) GetCrackThreshold() float64 {
	if c.CrackThreshold == nil {
		return 0.50
	}
	return *c.CrackThreshold
}

// GetSmoothingWindow returns the detection smoothing span; zero disables it.
func (c *WalkerConfig) GetSmoothingWindow() time.Duration {
	return durationOr(c.SmoothingWindow, 0)
}

func (c *WalkerConfig) GetSmoothingRelease() int {
	if c.SmoothingRelease == nil {
		return 0
	}
	return *c.SmoothingRelease
}

func (c *WalkerConfig) GetHeartRateLow() int {
	if c.HeartRateLow == nil {
		return 60
	}
	return *c.HeartRateLow
}

func (c *WalkerConfig) GetHeartRateHigh() int {
	if c.HeartRateHigh == nil {
		return 100
	}
	return *c.HeartRateHigh
}

// GetReportLocation resolves the report timezone, falling back to UTC when
// the zone database lacks it.
func (c *WalkerConfig) GetReportLocation() *time.Location {
	name := "Asia/Seoul"
	if c.ReportTimezone != nil && *c.ReportTimezone != "" {
		name = *c.ReportTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
