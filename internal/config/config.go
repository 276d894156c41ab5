// Package config loads job configuration from REEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds one transcode job's settings.
type Config struct {
	// Input is a path, gs:// URI or srt:// URI.
	Input string
	// InputKind forces the demultiplexer (ps, ts, generic, null) instead
	// of probing.
	InputKind string
	// Output is a path or gs:// URI.
	Output string
	// Format is the container: fmp4 or webm.
	Format string

	// FrameRateMode is vfr, cfr or pfr.
	FrameRateMode string
	// FrameRate is the target rate as num/den or a decimal, e.g. 30000/1001.
	FrameRate string

	ChapterStart int
	ChapterEnd   int
	// StopAfter ends the job once this much video has been read.
	StopAfter time.Duration

	QueueSize     int
	MaxReadErrors int
	MuxLowWater   int64
	MuxHighWater  int64

	// Passthrough track parameters used when no external codec stage
	// describes the output.
	VideoCodec    string
	AudioCodec    string
	AudioRate     int
	AudioChannels int

	Captions         bool
	StatusAddr       string
	ProgressInterval time.Duration
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	return &Config{
		Input:            getEnv("REEL_INPUT", ""),
		InputKind:        getEnv("REEL_INPUT_KIND", ""),
		Output:           getEnv("REEL_OUTPUT", "out.mp4"),
		Format:           getEnv("REEL_FORMAT", "fmp4"),
		FrameRateMode:    getEnv("REEL_FRAME_RATE_MODE", "vfr"),
		FrameRate:        getEnv("REEL_FRAME_RATE", "30000/1001"),
		ChapterStart:     getIntEnv("REEL_CHAPTER_START", 0),
		ChapterEnd:       getIntEnv("REEL_CHAPTER_END", 0),
		StopAfter:        getDurationEnv("REEL_STOP_AFTER", 0),
		QueueSize:        getIntEnv("REEL_QUEUE_SIZE", 0),
		MaxReadErrors:    getIntEnv("REEL_MAX_READ_ERRORS", 16),
		MuxLowWater:      getInt64Env("REEL_MUX_LOW_WATER", 10<<20),
		MuxHighWater:     getInt64Env("REEL_MUX_HIGH_WATER", 50<<20),
		VideoCodec:       getEnv("REEL_VIDEO_CODEC", "h264"),
		AudioCodec:       getEnv("REEL_AUDIO_CODEC", "aac"),
		AudioRate:        getIntEnv("REEL_AUDIO_RATE", 48000),
		AudioChannels:    getIntEnv("REEL_AUDIO_CHANNELS", 2),
		Captions:         getBoolEnv("REEL_CAPTIONS", false),
		StatusAddr:       getEnv("REEL_STATUS_ADDR", ":9090"),
		ProgressInterval: getDurationEnv("REEL_PROGRESS_INTERVAL", time.Second),
	}
}

// Validate checks the settings that Load cannot default away.
func (c *Config) Validate() error {
	var errs []error
	if c.Input == "" {
		errs = append(errs, errors.New("REEL_INPUT is required"))
	}
	switch strings.ToLower(c.Format) {
	case "fmp4", "mp4", "webm", "mkv":
	default:
		errs = append(errs, fmt.Errorf("REEL_FORMAT: unknown format %q", c.Format))
	}
	switch strings.ToLower(c.FrameRateMode) {
	case "vfr", "cfr", "pfr":
	default:
		errs = append(errs, fmt.Errorf("REEL_FRAME_RATE_MODE: unknown mode %q", c.FrameRateMode))
	}
	if _, err := c.FrameInterval(); err != nil {
		errs = append(errs, fmt.Errorf("REEL_FRAME_RATE: %w", err))
	}
	if c.ChapterEnd != 0 && c.ChapterEnd < c.ChapterStart {
		errs = append(errs, fmt.Errorf("chapter range %d-%d is empty", c.ChapterStart, c.ChapterEnd))
	}
	if c.MuxHighWater > 0 && c.MuxLowWater > c.MuxHighWater {
		errs = append(errs, fmt.Errorf("mux low water %d above high water %d", c.MuxLowWater, c.MuxHighWater))
	}
	return errors.Join(errs...)
}

// FrameInterval returns the duration of one frame at FrameRate in 90 kHz
// ticks.
func (c *Config) FrameInterval() (int64, error) {
	return ParseFrameRate(c.FrameRate)
}

// StopPTS converts StopAfter to 90 kHz ticks, 0 when unset.
func (c *Config) StopPTS() int64 {
	return int64(c.StopAfter) * 90000 / int64(time.Second)
}

// ParseFrameRate parses "num/den" or a decimal rate and returns the frame
// duration in 90 kHz ticks, rounded to the nearest tick.
func ParseFrameRate(s string) (int64, error) {
	num, den := 0.0, 1.0
	if n, d, ok := strings.Cut(s, "/"); ok {
		a, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("bad rate %q", s)
		}
		b, err := strconv.ParseFloat(strings.TrimSpace(d), 64)
		if err != nil || b <= 0 {
			return 0, fmt.Errorf("bad rate %q", s)
		}
		num, den = a, b
	} else {
		a, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("bad rate %q", s)
		}
		num = a
	}
	if num <= 0 {
		return 0, fmt.Errorf("rate %q not positive", s)
	}
	return int64(90000*den/num + 0.5), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
