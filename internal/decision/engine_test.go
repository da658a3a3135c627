package decision

import (
	"strings"
	"testing"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/media"
)

type fakeCaps struct {
	available map[string]bool
}

func (f fakeCaps) HasVideoEncoder(name string) bool { return f.available[name] }

func fullCaps() fakeCaps {
	return fakeCaps{available: map[string]bool{
		"libsvtav1": true,
		"libx265":   true,
		"libx264":   true,
	}}
}

func TestDecide_SkipAlreadyEncoded(t *testing.T) {
	m := media.MediaMetadata{
		CodecName: "av1", BitDepth: 10, Width: 1920, Height: 1080,
		SizeBytes: 500 * 1024 * 1024, FPS: 24, VideoBitrateBPS: 4_000_000,
	}
	s := config.Default()
	s.OutputCodec = config.OutputCodecAV1

	action, reason := Decide(m, s, fullCaps(), "")
	if action != job.ActionSkip {
		t.Fatalf("expected Skip, got %v (%s)", action, reason)
	}
	if !strings.HasPrefix(reason, "Already av1 10-bit") {
		t.Errorf("reason = %q, expected prefix %q", reason, "Already av1 10-bit")
	}
}

func TestDecide_BPPFloor(t *testing.T) {
	m := media.MediaMetadata{
		CodecName: "hevc", BitDepth: 10, Width: 1920, Height: 1080,
		SizeBytes: 200 * 1024 * 1024, FPS: 24, VideoBitrateBPS: 500_000,
	}
	s := config.Default()
	s.MinBPPThreshold = 0.1
	s.OutputCodec = config.OutputCodecAV1

	action, reason := Decide(m, s, fullCaps(), "")
	if action != job.ActionSkip {
		t.Fatalf("expected Skip, got %v (%s)", action, reason)
	}
	if !strings.Contains(reason, "BPP too low") {
		t.Errorf("reason = %q, expected to contain %q", reason, "BPP too low")
	}
}

func TestDecide_BPPFloorAppliesToContainerBitrateEstimate(t *testing.T) {
	m := media.MediaMetadata{
		CodecName: "hevc", BitDepth: 10, Width: 1920, Height: 1080,
		SizeBytes: 200 * 1024 * 1024, FPS: 24,
		VideoBitrateBPS: 0, ContainerBitrateBPS: 500_000,
	}
	s := config.Default()
	s.MinBPPThreshold = 0.1
	s.OutputCodec = config.OutputCodecAV1

	action, reason := Decide(m, s, fullCaps(), "")
	if action != job.ActionSkip {
		t.Fatalf("expected Skip when only a Medium-confidence container bitrate is known, got %v (%s)", action, reason)
	}
	if !strings.Contains(reason, "BPP too low") {
		t.Errorf("reason = %q, expected to contain %q", reason, "BPP too low")
	}
}

func TestDecide_H264PriorityOverBPP(t *testing.T) {
	m := media.MediaMetadata{
		CodecName: "h264", BitDepth: 8, Width: 1920, Height: 1080,
		SizeBytes: 2 * 1024 * 1024 * 1024, FPS: 24, VideoBitrateBPS: 10_000_000,
	}
	s := config.Default()
	s.OutputCodec = config.OutputCodecAV1

	action, reason := Decide(m, s, fullCaps(), "")
	if action != job.ActionEncode {
		t.Fatalf("expected Encode, got %v (%s)", action, reason)
	}
	if reason != "H.264 source prioritized for transcode" {
		t.Errorf("reason = %q, want %q", reason, "H.264 source prioritized for transcode")
	}
}

func TestDecide_NoEncoderAvailable(t *testing.T) {
	m := media.MediaMetadata{CodecName: "h264", Width: 1920, Height: 1080, SizeBytes: 200 * 1024 * 1024, FPS: 24}
	s := config.Default()
	s.OutputCodec = config.OutputCodecAV1

	action, reason := Decide(m, s, fakeCaps{available: map[string]bool{}}, "")
	if action != job.ActionSkip {
		t.Fatalf("expected Skip, got %v (%s)", action, reason)
	}
	if !strings.Contains(reason, "no encoder available") {
		t.Errorf("reason = %q", reason)
	}
}

func TestDecide_CPUFallbackDisabled(t *testing.T) {
	m := media.MediaMetadata{CodecName: "h264", Width: 1920, Height: 1080, SizeBytes: 200 * 1024 * 1024, FPS: 24}
	s := config.Default()
	s.OutputCodec = config.OutputCodecAV1
	s.AllowCPUFallback = false

	caps := fakeCaps{available: map[string]bool{"libsvtav1": true}} // software only
	action, reason := Decide(m, s, caps, "")
	if action != job.ActionSkip {
		t.Fatalf("expected Skip, got %v (%s)", action, reason)
	}
	if !strings.Contains(reason, "CPU fallback is disabled") {
		t.Errorf("reason = %q", reason)
	}
}

func TestDecide_IncompleteMetadata(t *testing.T) {
	m := media.MediaMetadata{CodecName: "hevc"}
	s := config.Default()
	action, reason := Decide(m, s, fullCaps(), "")
	if action != job.ActionSkip || reason != "Incomplete metadata" {
		t.Fatalf("got %v %q", action, reason)
	}
}

func TestDecide_FileTooSmall(t *testing.T) {
	m := media.MediaMetadata{
		CodecName: "hevc", Width: 1920, Height: 1080, FPS: 24,
		SizeBytes: 10 * 1024 * 1024, VideoBitrateBPS: 8_000_000,
	}
	s := config.Default()
	s.MinFileSizeMB = 100
	s.MinBPPThreshold = 0 // disable BPP gate for this test
	action, reason := Decide(m, s, fullCaps(), "")
	if action != job.ActionSkip || reason != "File too small" {
		t.Fatalf("got %v %q", action, reason)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	m := media.MediaMetadata{
		CodecName: "mpeg2video", Width: 1280, Height: 720, FPS: 30,
		SizeBytes: 500 * 1024 * 1024, VideoBitrateBPS: 6_000_000,
	}
	s := config.Default()
	caps := fullCaps()

	action1, reason1 := Decide(m, s, caps, "")
	action2, reason2 := Decide(m, s, caps, "")
	if action1 != action2 || reason1 != reason2 {
		t.Fatalf("Decide is not deterministic: (%v,%q) vs (%v,%q)", action1, reason1, action2, reason2)
	}
}
