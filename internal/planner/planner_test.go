package planner

import (
	"testing"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/media"
)

type fakeCaps struct {
	available map[string]bool
}

func (f fakeCaps) HasVideoEncoder(name string) bool { return f.available[name] }

// fakeCapsWithDevice additionally implements DevicePathProvider, the way the
// real media.Capabilities does once it has auto-detected a VAAPI render node.
type fakeCapsWithDevice struct {
	fakeCaps
	device string
}

func (f fakeCapsWithDevice) VAAPIDevicePath() string { return f.device }

func TestPlan_PrefersVendorOrderOverSoftware(t *testing.T) {
	caps := fakeCaps{available: map[string]bool{
		"av1_nvenc": true,
		"libsvtav1": true,
	}}
	p, err := Plan(config.OutputCodecAV1, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, false, media.MediaMetadata{}, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.EncoderID != "av1_nvenc" {
		t.Errorf("expected av1_nvenc (hardware beats software), got %s", p.EncoderID)
	}
	if p.RC.Mode != media.RateControlCQ || p.RC.CRFValue != 25 {
		t.Errorf("unexpected NVENC rate control: %+v", p.RC)
	}
}

func TestPlan_FallsBackToSoftwareWhenNoHardware(t *testing.T) {
	caps := fakeCaps{available: map[string]bool{"libx265": true}}
	p, err := Plan(config.OutputCodecHEVC, config.QualityProfileBalanced, config.CPUPresetFast, "", caps, false, media.MediaMetadata{}, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.EncoderID != "libx265" {
		t.Errorf("expected libx265, got %s", p.EncoderID)
	}
	if p.RC.CRFValue != cpuPresetCRF[config.CPUPresetFast] {
		t.Errorf("expected crf %d, got %d", cpuPresetCRF[config.CPUPresetFast], p.RC.CRFValue)
	}
}

func TestPlan_CodecFallbackChain(t *testing.T) {
	caps := fakeCaps{available: map[string]bool{"libx264": true}} // no av1 or hevc encoders at all
	p, err := Plan(config.OutputCodecAV1, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, true, media.MediaMetadata{}, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ActualCodec != config.OutputCodecH264 {
		t.Errorf("expected fallback to h264, got %s", p.ActualCodec)
	}
	if p.EncoderID != "libx264" {
		t.Errorf("expected libx264, got %s", p.EncoderID)
	}
}

func TestPlan_NoEncoderAvailable(t *testing.T) {
	caps := fakeCaps{available: map[string]bool{}}
	_, err := Plan(config.OutputCodecAV1, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, false, media.MediaMetadata{}, false, "")
	if err != ErrNoEncoder {
		t.Fatalf("expected ErrNoEncoder, got %v", err)
	}
}

func TestPlan_HDRTonemap(t *testing.T) {
	caps := fakeCaps{available: map[string]bool{"libx265": true}}
	hdrMeta := media.MediaMetadata{ColorTransfer: "smpte2084"}

	p, err := Plan(config.OutputCodecHEVC, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, false, hdrMeta, true, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.HDR == nil || !p.HDR.Tonemap || p.HDR.Algorithm != "hable" {
		t.Errorf("expected tonemap with default hable algorithm, got %+v", p.HDR)
	}
}

func TestPlan_HDRPassthroughWhenTonemapDisabled(t *testing.T) {
	caps := fakeCaps{available: map[string]bool{"libx265": true}}
	hdrMeta := media.MediaMetadata{ColorTransfer: "smpte2084"}

	p, err := Plan(config.OutputCodecHEVC, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, false, hdrMeta, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.HDR == nil || p.HDR.Tonemap {
		t.Errorf("expected non-tonemap HDR passthrough marker, got %+v", p.HDR)
	}
}

func TestPlan_QSVGetsLookAheadAndDeviceBinding(t *testing.T) {
	caps := fakeCapsWithDevice{
		fakeCaps: fakeCaps{available: map[string]bool{"hevc_qsv": true}},
		device:   "/dev/dri/renderD128",
	}
	p, err := Plan(config.OutputCodecHEVC, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, false, media.MediaMetadata{}, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.RC.QSVLookAhead {
		t.Error("expected QSV rate control to request look-ahead")
	}
	if p.RC.DevicePath != "/dev/dri/renderD128" {
		t.Errorf("expected QSV rate control bound to the detected device, got %q", p.RC.DevicePath)
	}
}

func TestPlan_VAAPIBindsDetectedDevice(t *testing.T) {
	caps := fakeCapsWithDevice{
		fakeCaps: fakeCaps{available: map[string]bool{"hevc_vaapi": true}},
		device:   "/dev/dri/renderD129",
	}
	p, err := Plan(config.OutputCodecHEVC, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, false, media.MediaMetadata{}, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.RC.DevicePath != "/dev/dri/renderD129" {
		t.Errorf("expected VAAPI rate control bound to the detected device, got %q", p.RC.DevicePath)
	}
}

func TestPlan_VideoToolboxHEVCGetsHVC1Tag(t *testing.T) {
	caps := fakeCaps{available: map[string]bool{"hevc_videotoolbox": true}}
	p, err := Plan(config.OutputCodecHEVC, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, false, media.MediaMetadata{}, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.RC.CodecTag != "hvc1" {
		t.Errorf("expected hvc1 codec tag for VideoToolbox HEVC output, got %q", p.RC.CodecTag)
	}
}

func TestPlan_NoHDRParamsForSDR(t *testing.T) {
	caps := fakeCaps{available: map[string]bool{"libx265": true}}
	p, err := Plan(config.OutputCodecHEVC, config.QualityProfileBalanced, config.CPUPresetMedium, "", caps, false, media.MediaMetadata{ColorTransfer: "bt709"}, true, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.HDR != nil {
		t.Errorf("expected nil HDR params for SDR source, got %+v", p.HDR)
	}
}
