// Package config loads and persists the engine's runtime-mutable Settings and
// schedule windows. Grounded on the teacher's config.go Load/Save pattern:
// defaults applied in code, YAML on disk, re-saved if missing.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// QualityProfile is a coarse speed/quality tradeoff knob applied on top of
// the per-encoder rate-control values the EncoderPlanner derives.
type QualityProfile string

const (
	QualityProfileQuality  QualityProfile = "quality"
	QualityProfileBalanced QualityProfile = "balanced"
	QualityProfileSpeed    QualityProfile = "speed"
)

// CPUPreset names the software encoder's speed/compression preset.
type CPUPreset string

const (
	CPUPresetSlow   CPUPreset = "slow"
	CPUPresetMedium CPUPreset = "medium"
	CPUPresetFast   CPUPreset = "fast"
	CPUPresetFaster CPUPreset = "faster"
)

// OutputCodec is one of the three codecs the engine can target.
type OutputCodec string

const (
	OutputCodecAV1  OutputCodec = "av1"
	OutputCodecHEVC OutputCodec = "hevc"
	OutputCodecH264 OutputCodec = "h264"
)

// ReplaceStrategy controls what happens to the source file after a
// successful encode.
type ReplaceStrategy string

const (
	ReplaceStrategyKeep      ReplaceStrategy = "keep"
	ReplaceStrategyOverwrite ReplaceStrategy = "overwrite"
)

// Settings is the persistent, mutable policy every DecisionEngine and
// Finalizer call consults (spec §3's Settings entity).
type Settings struct {
	ConcurrentJobs         int             `yaml:"concurrent_jobs" json:"concurrent_jobs"`
	SizeReductionThreshold float64         `yaml:"size_reduction_threshold" json:"size_reduction_threshold"`
	MinBPPThreshold        float64         `yaml:"min_bpp_threshold" json:"min_bpp_threshold"`
	MinFileSizeMB          float64         `yaml:"min_file_size_mb" json:"min_file_size_mb"`
	OutputCodec            OutputCodec     `yaml:"output_codec" json:"output_codec"`
	QualityProfile         QualityProfile  `yaml:"quality_profile" json:"quality_profile"`
	CPUPreset              CPUPreset       `yaml:"cpu_preset" json:"cpu_preset"`
	AllowCPUFallback       bool            `yaml:"allow_cpu_fallback" json:"allow_cpu_fallback"`
	AllowCPUEncoding       bool            `yaml:"allow_cpu_encoding" json:"allow_cpu_encoding"`
	EnableVMAF             bool            `yaml:"enable_vmaf" json:"enable_vmaf"`
	MinVMAFScore           float64         `yaml:"min_vmaf_score" json:"min_vmaf_score"`
	RevertOnLowQuality     bool            `yaml:"revert_on_low_quality" json:"revert_on_low_quality"`
	DeleteSource           bool            `yaml:"delete_source" json:"delete_source"`
	OutputExtension        string          `yaml:"output_extension" json:"output_extension"`
	OutputSuffix           string          `yaml:"output_suffix" json:"output_suffix"`
	ReplaceStrategy        ReplaceStrategy `yaml:"replace_strategy" json:"replace_strategy"`

	FFmpegPath  string `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path" json:"ffprobe_path"`
	TempPath    string `yaml:"temp_path" json:"temp_path"`
	LogLevel    string `yaml:"log_level" json:"log_level"`

	NotifyOnQueueDrain bool   `yaml:"notify_on_queue_drain" json:"notify_on_queue_drain"`
	WebhookURL         string `yaml:"webhook_url" json:"webhook_url"`
	WebhookToken       string `yaml:"webhook_token" json:"webhook_token"`

	TonemapEnabled   bool   `yaml:"tonemap_enabled" json:"tonemap_enabled"`
	TonemapAlgorithm string `yaml:"tonemap_algorithm" json:"tonemap_algorithm"`
}

// ScheduleWindow is one allowed encoding window (spec §4.9): local wall-clock
// start/end time-of-day, gated to a set of weekdays.
type ScheduleWindow struct {
	ID        int64 `yaml:"id" json:"id"`
	StartHour int   `yaml:"start_hour" json:"start_hour"`
	StartMin  int   `yaml:"start_min" json:"start_min"`
	EndHour   int   `yaml:"end_hour" json:"end_hour"`
	EndMin    int   `yaml:"end_min" json:"end_min"`
	Days      []int `yaml:"days" json:"days"` // 0=Sunday ... 6=Saturday; empty means every day
	Enabled   bool  `yaml:"enabled" json:"enabled"`
}

// File is the on-disk shape: Settings plus the schedule windows.
type File struct {
	Settings        Settings         `yaml:"settings"`
	ScheduleWindows []ScheduleWindow `yaml:"schedule_windows"`
}

// Default returns Settings populated with the engine's documented defaults.
func Default() Settings {
	return Settings{
		ConcurrentJobs:         1,
		SizeReductionThreshold: 0.05,
		MinBPPThreshold:        0.1,
		MinFileSizeMB:          100,
		OutputCodec:            OutputCodecAV1,
		QualityProfile:         QualityProfileBalanced,
		CPUPreset:              CPUPresetMedium,
		AllowCPUFallback:       true,
		AllowCPUEncoding:       true,
		EnableVMAF:             false,
		MinVMAFScore:           93,
		RevertOnLowQuality:     true,
		DeleteSource:           false,
		OutputExtension:        ".mkv",
		OutputSuffix:           "",
		ReplaceStrategy:        ReplaceStrategyKeep,
		FFmpegPath:             "ffmpeg",
		FFprobePath:            "ffprobe",
		TempPath:               "",
		LogLevel:               "info",
		TonemapEnabled:         true,
		TonemapAlgorithm:       DefaultTonemapAlgorithm,
	}
}

// Load reads Settings and schedule windows from a YAML file. A missing file
// is not an error: it is created with defaults, mirroring the teacher's
// behavior of writing back a fresh config on first run.
func Load(path string) (*File, error) {
	f := &File{Settings: Default()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if saveErr := f.Save(path); saveErr != nil {
				fmt.Printf("warning: could not create config file: %v\n", saveErr)
			}
			return f, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, err
	}
	f.Settings.applyDefaults()
	return f, nil
}

// applyDefaults fills zero-valued fields left empty by a partial YAML file.
func (s *Settings) applyDefaults() {
	if s.ConcurrentJobs < 1 {
		s.ConcurrentJobs = 1
	}
	if s.FFmpegPath == "" {
		s.FFmpegPath = "ffmpeg"
	}
	if s.FFprobePath == "" {
		s.FFprobePath = "ffprobe"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.OutputExtension == "" {
		s.OutputExtension = ".mkv"
	}
	switch s.OutputCodec {
	case OutputCodecAV1, OutputCodecHEVC, OutputCodecH264:
	default:
		s.OutputCodec = OutputCodecAV1
	}
	switch s.QualityProfile {
	case QualityProfileQuality, QualityProfileBalanced, QualityProfileSpeed:
	default:
		s.QualityProfile = QualityProfileBalanced
	}
	switch s.CPUPreset {
	case CPUPresetSlow, CPUPresetMedium, CPUPresetFast, CPUPresetFaster:
	default:
		s.CPUPreset = CPUPresetMedium
	}
	switch s.ReplaceStrategy {
	case ReplaceStrategyKeep, ReplaceStrategyOverwrite:
	default:
		s.ReplaceStrategy = ReplaceStrategyKeep
	}
	s.TonemapAlgorithm = ValidateTonemapAlgorithm(s.TonemapAlgorithm)
}

// Save writes Settings and schedule windows to path as YAML.
func (f *File) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetTempDir returns where encoder temp output should be written for a given
// source path: the configured TempPath, or the source's own directory.
func (s Settings) GetTempDir(sourcePath string) string {
	if s.TempPath != "" {
		return s.TempPath
	}
	return filepath.Dir(sourcePath)
}
