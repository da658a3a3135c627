package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/alchemist-sh/alchemist/internal/logger"
)

// MediaProbe is the spec §6 interface a job's Analyzing step consults to
// learn everything the DecisionEngine needs about a source file.
type MediaProbe interface {
	Probe(ctx context.Context, path string) (MediaMetadata, error)
}

// FFProbe shells out to ffprobe and normalizes its JSON report into a
// MediaMetadata. Grounded on the teacher's internal/ffmpeg Prober.Probe.
type FFProbe struct {
	FFProbePath string
}

// NewFFProbe returns a MediaProbe backed by the ffprobe binary at path.
func NewFFProbe(path string) *FFProbe {
	return &FFProbe{FFProbePath: path}
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
	BitRate  string `json:"bit_rate"`
}

type ffprobeStream struct {
	Index            int    `json:"index"`
	CodecType        string `json:"codec_type"`
	CodecName        string `json:"codec_name"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	RFrameRate       string `json:"r_frame_rate"`
	AvgFrameRate     string `json:"avg_frame_rate"`
	Channels         int    `json:"channels"`
	PixelFormat      string `json:"pix_fmt"`
	BitsPerRawSample string `json:"bits_per_raw_sample"`
	BitRate          string `json:"bit_rate"`
	ColorTransfer    string `json:"color_transfer"`
	ColorPrimaries   string `json:"color_primaries"`
	ColorSpace       string `json:"color_space"`
	ColorRange       string `json:"color_range"`
}

// Probe runs ffprobe against path and normalizes the result. Returns an error
// only when the tool itself cannot be run or its output cannot be parsed —
// missing individual fields degrade gracefully to the struct's zero values.
func (p *FFProbe) Probe(ctx context.Context, path string) (MediaMetadata, error) {
	cmd := exec.CommandContext(ctx, p.FFProbePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return MediaMetadata{}, fmt.Errorf("%w: ffprobe: %s", ErrProbeFailed, string(exitErr.Stderr))
		}
		return MediaMetadata{}, fmt.Errorf("%w: ffprobe: %v", ErrProbeFailed, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return MediaMetadata{}, fmt.Errorf("%w: parse ffprobe output: %v", ErrProbeFailed, err)
	}

	var m MediaMetadata
	if parsed.Format.Duration != "" {
		m.DurationSecs, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	}
	if parsed.Format.Size != "" {
		m.SizeBytes, _ = strconv.ParseInt(parsed.Format.Size, 10, 64)
	} else if info, statErr := os.Stat(path); statErr == nil {
		m.SizeBytes = info.Size()
	}
	if parsed.Format.BitRate != "" {
		m.ContainerBitrateBPS, _ = strconv.ParseInt(parsed.Format.BitRate, 10, 64)
	}

	for i := range parsed.Streams {
		s := &parsed.Streams[i]
		switch s.CodecType {
		case "video":
			if m.CodecName != "" {
				continue // first video stream wins
			}
			m.CodecName = s.CodecName
			m.Width = s.Width
			m.Height = s.Height
			m.FPS = parseFrameRate(s.RFrameRate)
			if m.FPS == 0 {
				m.FPS = parseFrameRate(s.AvgFrameRate)
			}
			if s.BitsPerRawSample != "" {
				m.BitDepth, _ = strconv.Atoi(s.BitsPerRawSample)
			}
			if m.BitDepth == 0 {
				m.BitDepth = inferBitDepth(s.PixelFormat)
			}
			if s.BitRate != "" {
				m.VideoBitrateBPS, _ = strconv.ParseInt(s.BitRate, 10, 64)
			}
			m.ColorPrimaries = s.ColorPrimaries
			m.ColorTransfer = s.ColorTransfer
			m.ColorSpace = s.ColorSpace
			m.ColorRange = s.ColorRange
		case "audio":
			if m.AudioCodec != "" {
				continue
			}
			m.AudioCodec = s.CodecName
			m.AudioChannels = s.Channels
		}
	}

	_, m.BitrateConfidence = m.EffectiveBitrateBPS()
	if m.VideoBitrateBPS == 0 && m.ContainerBitrateBPS == 0 {
		logger.Debug("probe: no stream-level bitrate, falling back to size/duration", "path", path)
	}

	return m, nil
}

// parseFrameRate parses ffprobe's "30000/1001" rational-string frame rate.
func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}

// inferBitDepth falls back to the pixel format name when ffprobe doesn't
// report bits_per_raw_sample directly.
func inferBitDepth(pixFmt string) int {
	if pixFmt == "" {
		return 8
	}
	if strings.Contains(pixFmt, "10le") || strings.Contains(pixFmt, "10be") || strings.Contains(pixFmt, "p010") {
		return 10
	}
	if strings.Contains(pixFmt, "12le") || strings.Contains(pixFmt, "12be") {
		return 12
	}
	return 8
}
