package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/banshee-data/walker.report/internal/config"
	"github.com/banshee-data/walker.report/internal/detection"
	"github.com/banshee-data/walker.report/internal/frames"
	"github.com/banshee-data/walker.report/internal/motion"
)

// Settings are the process-level options. Each one can be set with a
// WALKER_-prefixed environment variable and overridden by its flag.
type Settings struct {
	Dev            bool   `mapstructure:"DEV"`
	Listen         string `mapstructure:"LISTEN"`
	DBPath         string `mapstructure:"DB_PATH"`
	ConfigPath     string `mapstructure:"CONFIG"`
	SerialPort     string `mapstructure:"SERIAL_PORT"`
	SerialOptions  string `mapstructure:"SERIAL_OPTIONS"`
	Detector       string `mapstructure:"DETECTOR"`
	DetectorAddr   string `mapstructure:"DETECTOR_ADDR"`
	GRPCListen     string `mapstructure:"GRPC_LISTEN"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	MQTTBroker     string `mapstructure:"MQTT_BROKER"`
	MQTTUsername   string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword   string `mapstructure:"MQTT_PASSWORD"`
	ObstacleStream string `mapstructure:"OBSTACLE_STREAM_URL"`
	CrackStream    string `mapstructure:"CRACK_STREAM_URL"`
}

// LoadSettings reads the environment into Settings.
func LoadSettings() Settings {
	v := viper.New()
	v.SetEnvPrefix("WALKER")
	v.AutomaticEnv()
	v.SetDefault("DEV", false)
	v.SetDefault("LISTEN", ":8080")
	v.SetDefault("DB_PATH", "walker.db")
	v.SetDefault("CONFIG", "")
	v.SetDefault("SERIAL_PORT", "")
	v.SetDefault("SERIAL_OPTIONS", "115200,8N1")
	v.SetDefault("DETECTOR", "http")
	v.SetDefault("DETECTOR_ADDR", "http://localhost:8000")
	v.SetDefault("GRPC_LISTEN", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("MQTT_BROKER", "")
	v.SetDefault("MQTT_USERNAME", "")
	v.SetDefault("MQTT_PASSWORD", "")
	v.SetDefault("OBSTACLE_STREAM_URL", "")
	v.SetDefault("CRACK_STREAM_URL", "")

	var s Settings
	_ = v.Unmarshal(&s)
	return s
}

// RegisterFlags binds every setting to a flag on fs, using the current
// values as defaults.
func (s *Settings) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&s.Dev, "dev", s.Dev, "Run with a simulated IMU, camera and detector")
	fs.StringVar(&s.Listen, "listen", s.Listen, "HTTP listen address")
	fs.StringVar(&s.DBPath, "db-path", s.DBPath, "Path to the SQLite database")
	fs.StringVar(&s.ConfigPath, "config", s.ConfigPath, "Tuning config JSON (defaults built in)")
	fs.StringVar(&s.SerialPort, "serial-port", s.SerialPort, "IMU serial device; empty disables serial ingest")
	fs.StringVar(&s.SerialOptions, "serial-options", s.SerialOptions, "Serial line settings, e.g. 115200,8N1")
	fs.StringVar(&s.Detector, "detector", s.Detector, "Detection engine: http, grpc or static")
	fs.StringVar(&s.DetectorAddr, "detector-addr", s.DetectorAddr, "Detection engine endpoint (URL for http, host:port for grpc)")
	fs.StringVar(&s.GRPCListen, "grpc-listen", s.GRPCListen, "Serve the detection engine over gRPC on this address")
	fs.StringVar(&s.RedisAddr, "redis-addr", s.RedisAddr, "Redis address for sharing the live detection feed")
	fs.StringVar(&s.RedisPassword, "redis-password", s.RedisPassword, "Redis password")
	fs.StringVar(&s.MQTTBroker, "mqtt-broker", s.MQTTBroker, "MQTT broker host:port for walker telemetry")
	fs.StringVar(&s.MQTTUsername, "mqtt-username", s.MQTTUsername, "MQTT username")
	fs.StringVar(&s.MQTTPassword, "mqtt-password", s.MQTTPassword, "MQTT password")
	fs.StringVar(&s.ObstacleStream, "obstacle-stream-url", s.ObstacleStream, "Default MJPEG stream for obstacle detection")
	fs.StringVar(&s.CrackStream, "crack-stream-url", s.CrackStream, "Default MJPEG stream for crack detection")
}

// Validate checks combinations flag parsing cannot.
func (s Settings) Validate() error {
	if s.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if s.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	switch strings.ToLower(s.Detector) {
	case "http", "grpc":
		if s.DetectorAddr == "" && !s.Dev {
			return fmt.Errorf("detector %s needs -detector-addr", s.Detector)
		}
	case "static":
	default:
		return fmt.Errorf("unknown detector %q: expected http, grpc or static", s.Detector)
	}
	return nil
}

func motionConfig(c *config.WalkerConfig) motion.Config {
	return motion.Config{
		HighThreshold: c.GetAccelThreshold(),
		Window:        c.GetMotionWindow(),
		StillCount:    c.GetStillCount(),
		StopTimeout:   c.GetStopTimeout(),
		SweepInterval: c.GetSweepInterval(),
	}
}

func managerConfig(c *config.WalkerConfig, s Settings) detection.ManagerConfig {
	return detection.ManagerConfig{
		Loop: detection.LoopConfig{
			Interval:     c.GetDetectionInterval(),
			FrameTimeout: c.GetFrameTimeout(),
			RetryDelay:   c.GetFrameRetryDelay(),
			Params: detection.Params{
				ConfidenceFloor: c.GetConfidenceFloor(),
				ImageSize:       c.GetImageSize(),
			},
		},
		Producer: frames.ProducerConfig{
			OpenAttempts: c.GetOpenAttempts(),
			OpenBackoff:  c.GetOpenBackoff(),
			RetryDelay:   frames.DefaultProducerConfig().RetryDelay,
		},
		Thresholds: detection.Thresholds{
			ObstacleStream: c.GetObstacleStreamThreshold(),
			ObstacleUpload: c.GetObstacleUploadThreshold(),
			Crack:          c.GetCrackThreshold(),
		},
		StopTimeout:      c.GetStreamStopTimeout(),
		SmoothingSpan:    c.GetSmoothingWindow(),
		SmoothingRelease: c.GetSmoothingRelease(),
		StreamURLs: map[detection.Kind]string{
			detection.KindObstacle: s.ObstacleStream,
			detection.KindCrack:    s.CrackStream,
		},
	}
}
