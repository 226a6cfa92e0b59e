// Package config loads kvmstream's process-level configuration: the
// options enumerated in the specification's external-interfaces section.
// It is deliberately outside the streaming core (device, framering,
// encoder, display, stream) so that core package never has to know where
// a setting came from.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognized daemon option.
type Config struct {
	// Capture
	DevicePath    string `mapstructure:"device_path"`
	CaptureWidth  int    `mapstructure:"width"`
	CaptureHeight int    `mapstructure:"height"`
	DesiredFPS    int    `mapstructure:"desired_fps"`
	NumBuffers    int    `mapstructure:"num_buffers"`
	Slowdown      bool   `mapstructure:"slowdown"`

	// Client lifecycle
	ExitOnNoClients time.Duration `mapstructure:"exit_on_no_clients"`

	// Blank-frame policy; see spec §4.7.3.
	LastAsBlank time.Duration `mapstructure:"last_as_blank"`

	// Reinit backoff
	ErrorDelay time.Duration `mapstructure:"error_delay"`

	// Motion-video encoder knobs, handed to the external motion-video
	// plugin through motionvideo.WebRTCSettings.
	H264Bitrate int `mapstructure:"h264_bitrate"`
	H264GOP     int `mapstructure:"h264_gop"`

	// Display
	DisplayPort    string        `mapstructure:"port"`
	DisplayPath    string        `mapstructure:"path"`
	VsyncTimeout   time.Duration `mapstructure:"timeout"`
	DisplayEnabled bool          `mapstructure:"display_enabled"`

	// Ring sizing; spec §4.2 fixes the image ring at 4 but leaves the
	// raw/video rings unspecified, so those stay configurable.
	ImageRingCapacity int `mapstructure:"image_ring_capacity"`
	RawRingCapacity   int `mapstructure:"raw_ring_capacity"`

	// Still-image encoder pool (spec §4.4).
	EncoderWorkers int           `mapstructure:"encoder_workers"`
	JPEGQuality    int           `mapstructure:"jpeg_quality"`
	EncodeDeadline time.Duration `mapstructure:"encode_deadline"`

	// Shared-memory sink (spec §4.3).
	SinkName     string `mapstructure:"sink_name"`
	SinkSlots    int    `mapstructure:"sink_slots"`
	SinkSlotSize int    `mapstructure:"sink_slot_size"`

	// Motion-video (spec §4.8); disabled by default, see Non-goals.
	MotionVideoEnabled bool   `mapstructure:"motion_video_enabled"`
	MotionVideoName    string `mapstructure:"motion_video_name"`
}

// LastAsBlankMode classifies Config.LastAsBlank per spec §4.7.3.
type LastAsBlankMode int

const (
	// BlankImmediately: last_as_blank < 0.
	BlankImmediately LastAsBlankMode = iota
	// FreezeForever: last_as_blank == 0.
	FreezeForever
	// FreezeThenBlank: last_as_blank > 0.
	FreezeThenBlank
)

// Mode classifies the configured LastAsBlank duration.
func (c Config) Mode() LastAsBlankMode {
	switch {
	case c.LastAsBlank < 0:
		return BlankImmediately
	case c.LastAsBlank == 0:
		return FreezeForever
	default:
		return FreezeThenBlank
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device_path", "/dev/video0")
	v.SetDefault("width", 1920)
	v.SetDefault("height", 1080)
	v.SetDefault("desired_fps", 30)
	v.SetDefault("num_buffers", 4)
	v.SetDefault("slowdown", false)
	v.SetDefault("exit_on_no_clients", 0)
	v.SetDefault("last_as_blank", 0)
	v.SetDefault("error_delay", 1*time.Second)
	v.SetDefault("h264_bitrate", 5000)
	v.SetDefault("h264_gop", 30)
	v.SetDefault("port", "HDMI-A-1")
	v.SetDefault("path", "/dev/dri/card0")
	v.SetDefault("timeout", 1*time.Second)
	v.SetDefault("display_enabled", true)
	v.SetDefault("image_ring_capacity", 4)
	v.SetDefault("raw_ring_capacity", 4)
	v.SetDefault("encoder_workers", 2)
	v.SetDefault("jpeg_quality", 85)
	v.SetDefault("encode_deadline", 200*time.Millisecond)
	v.SetDefault("sink_name", "default")
	v.SetDefault("sink_slots", 2)
	v.SetDefault("sink_slot_size", 1920*1080*3)
	v.SetDefault("motion_video_enabled", false)
	v.SetDefault("motion_video_name", "kvmstream")
}

// Load reads configuration from path (if non-empty), environment variables
// prefixed KVMSTREAM_, and the defaults above. Environment variables
// override file values, and file values override the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("kvmstream")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
