// Package decision implements the pure transcode/skip verdict function the
// Worker consults after every probe. Nothing in this package performs I/O:
// Decide is a function of its four arguments and nothing else, so the same
// inputs always produce the same verdict and reason string.
package decision

import (
	"fmt"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/media"
)

// Capabilities is the narrow view of media.Capabilities the engine needs —
// just enough to ask "can anything produce this codec, hardware or software".
type Capabilities interface {
	HasVideoEncoder(name string) bool
}

// HWHint is the caller's hardware vendor preference, or "" for "any". Decide
// accepts it but does not read it; EncoderPlanner owns the actual
// vendor-ordered candidate search.
type HWHint string

// softwareEncoderFor names the software (CPU) encoder identifier the
// availability/CPU-gate checks use as the fallback path for each codec.
var softwareEncoderFor = map[config.OutputCodec]string{
	config.OutputCodecAV1:  "libsvtav1",
	config.OutputCodecHEVC: "libx265",
	config.OutputCodecH264: "libx264",
}

// hardwareEncodersFor lists every known hardware encoder identifier that
// could produce the given codec, across vendors. Used only to answer "does
// any encoder — hardware or software — exist for this codec at all".
var hardwareEncodersFor = map[config.OutputCodec][]string{
	config.OutputCodecAV1: {"av1_videotoolbox", "av1_nvenc", "av1_qsv", "av1_vaapi", "av1_amf"},
	config.OutputCodecHEVC: {"hevc_videotoolbox", "hevc_nvenc", "hevc_qsv", "hevc_vaapi", "hevc_amf"},
	config.OutputCodecH264: {"h264_videotoolbox", "h264_nvenc", "h264_qsv", "h264_vaapi", "h264_amf"},
}

// hasAnyEncoder reports whether Capabilities can produce codec through any
// known hardware encoder, the software encoder, or both.
func hasAnyEncoder(caps Capabilities, codec config.OutputCodec) (hasHW, hasSW bool) {
	for _, name := range hardwareEncodersFor[codec] {
		if caps.HasVideoEncoder(name) {
			hasHW = true
			break
		}
	}
	hasSW = caps.HasVideoEncoder(softwareEncoderFor[codec])
	return hasHW, hasSW
}

// isAlreadyTargetCodec reports whether metadata's codec name matches the
// output codec, tolerating the handful of aliases ffprobe reports for each.
func isAlreadyTargetCodec(codecName string, target config.OutputCodec) bool {
	switch target {
	case config.OutputCodecAV1:
		return codecName == "av1" || codecName == "libaom-av1" || codecName == "libsvtav1"
	case config.OutputCodecHEVC:
		return codecName == "hevc" || codecName == "h265" || codecName == "x265"
	case config.OutputCodecH264:
		return codecName == "h264" || codecName == "avc"
	default:
		return false
	}
}

func isH264(codecName string) bool {
	return codecName == "h264" || codecName == "avc"
}

// Decide implements the 8 ordered rules, first match wins. Pure: no I/O, no
// mutation of its arguments.
func Decide(m media.MediaMetadata, s config.Settings, caps Capabilities, hw HWHint) (job.Action, string) {
	// 1. Encoder availability gate.
	hasHW, hasSW := hasAnyEncoder(caps, s.OutputCodec)
	if !hasHW && !hasSW {
		return job.ActionSkip, fmt.Sprintf("no encoder available for %s", s.OutputCodec)
	}
	if !hasHW && hasSW && !s.AllowCPUFallback {
		return job.ActionSkip, fmt.Sprintf("no hardware encoder available for %s and CPU fallback is disabled", s.OutputCodec)
	}

	// 2. CPU-encoding gate: only a software path exists (after gate 1 already
	// confirmed CPU fallback is allowed), but CPU encoding itself is disabled.
	if !hasHW && hasSW && !s.AllowCPUEncoding {
		return job.ActionSkip, "only software encoding is available and CPU encoding is disabled"
	}

	// 3. Already-target gate.
	if isAlreadyTargetCodec(m.CodecName, s.OutputCodec) {
		if s.OutputCodec == config.OutputCodecH264 {
			if m.BitDepth <= 8 {
				return job.ActionSkip, fmt.Sprintf("Already %s %d-bit", m.CodecName, m.BitDepth)
			}
		} else if m.BitDepth == 10 {
			return job.ActionSkip, fmt.Sprintf("Already %s 10-bit", m.CodecName)
		}
	}

	// 4. Resolution-present gate.
	if m.Width == 0 || m.Height == 0 {
		return job.ActionSkip, "Incomplete metadata"
	}

	// 5. BPP gate. Gated on the resolved bitrate (bitrate > 0), not on
	// VideoBitrateBPS alone — a file with only a container-level or
	// size/duration-estimated bitrate (Medium/Low confidence) still gets
	// checked, just against a leniency-scaled threshold.
	bitrate, confidence := m.EffectiveBitrateBPS()
	if bitrate > 0 && m.FPS > 0 {
		resCorrection := 1.0
		switch {
		case m.Width >= 3840:
			resCorrection = 0.6
		case m.Width >= 1920:
			resCorrection = 0.8
		}
		bpp := float64(bitrate) / (float64(m.Width) * float64(m.Height) * m.FPS)
		normalizedBPP := bpp * resCorrection

		threshold := s.MinBPPThreshold
		switch confidence {
		case media.ConfidenceMedium:
			threshold *= 0.7
		case media.ConfidenceLow:
			threshold *= 0.5
		}
		if s.OutputCodec == config.OutputCodecAV1 {
			threshold *= 0.7
		}
		if isH264(m.CodecName) {
			threshold *= 0.6
		}

		if normalizedBPP < threshold {
			return job.ActionSkip, fmt.Sprintf("BPP too low (%.4f < %.4f)", normalizedBPP, threshold)
		}
	}

	// 6. Size gate.
	if float64(m.SizeBytes) < s.MinFileSizeMB*1_048_576 {
		return job.ActionSkip, "File too small"
	}

	// 7. H.264 preference.
	if isH264(m.CodecName) {
		return job.ActionEncode, "H.264 source prioritized for transcode"
	}

	// 8. Default transcode.
	bpp := 0.0
	if m.FPS > 0 && m.Width > 0 && m.Height > 0 {
		bpp = float64(bitrate) / (float64(m.Width) * float64(m.Height) * m.FPS)
	}
	return job.ActionEncode, fmt.Sprintf("%s source, bpp %.4f, transcoding to %s", m.CodecName, bpp, s.OutputCodec)
}
