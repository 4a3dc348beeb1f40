package resolve

import (
	"fmt"
	"strconv"

	"github.com/floostack/transcoder/ffmpeg"
)

type (
	// Prober extracts the duration (in seconds) of an audio file
	Prober interface {
		ProbeDuration(path string) (float64, error)
	}

	ProbeConfig struct {
		FfprobeBinaryPath string `yaml:"ffprobe_path" env:"FORMAT_FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
		Enabled           bool   `yaml:"enabled" env:"PROBE_ENABLED" env-default:"true"`
	}

	ffprobe struct {
		config ffmpeg.Config
	}
)

// NewFfprobe returns a Prober backed by the ffprobe binary configured
func NewFfprobe(config ProbeConfig) Prober {
	return &ffprobe{config: ffmpeg.Config{FfprobeBinPath: config.FfprobeBinaryPath}}
}

func (probe *ffprobe) ProbeDuration(path string) (float64, error) {
	metadata, err := ffmpeg.New(&probe.config).Input(path).GetMetadata()
	if err != nil {
		return 0, fmt.Errorf("failed to extract file metadata information using ffprobe: %s", err.Error())
	}

	format := metadata.GetFormat()
	if format == nil {
		return 0, fmt.Errorf("ffprobe reported no format information for %s", path)
	}

	duration, err := strconv.ParseFloat(format.GetDuration(), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe reported unparseable duration '%s' for %s: %w", format.GetDuration(), path, err)
	}

	return duration, nil
}
