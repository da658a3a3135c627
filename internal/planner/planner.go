// Package planner chooses a concrete encoder identifier and initial
// rate-control parameters for a job the DecisionEngine has already approved
// for transcode. Grounded on the teacher's presets.go encoderConfigs map and
// hwaccel.go's vendor-priority walk, generalized from the teacher's fixed
// HEVC/AV1 pair to the spec's three target codecs.
package planner

import (
	"errors"
	"runtime"
	"strconv"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/media"
)

// ErrNoEncoder is returned when no candidate in the vendor/codec/fallback
// search is confirmed available; the Worker treats this the same as a Skip.
var ErrNoEncoder = errors.New("planner: no available encoder for requested codec")

// Vendor is a hardware acceleration method, ordered by how Plan walks them.
type Vendor string

const (
	VendorVideoToolbox Vendor = "videotoolbox"
	VendorNVENC        Vendor = "nvenc"
	VendorQSV          Vendor = "qsv"
	VendorVAAPI        Vendor = "vaapi"
	VendorAMF          Vendor = "amf"
	VendorNone         Vendor = "" // software
)

// vendorPriority is the hardware search order: Apple, then Nvidia, then
// Intel, then the two AMD paths (VAAPI on non-Windows, AMF on Windows),
// then software.
func vendorPriority() []Vendor {
	if runtime.GOOS == "windows" {
		return []Vendor{VendorVideoToolbox, VendorNVENC, VendorQSV, VendorAMF, VendorNone}
	}
	return []Vendor{VendorVideoToolbox, VendorNVENC, VendorQSV, VendorVAAPI, VendorNone}
}

// codecFallbackChain orders the progressively-less-modern codecs Plan will
// try when allowFallback is set and the preferred codec has no available
// encoder at all.
var codecFallbackChain = map[config.OutputCodec][]config.OutputCodec{
	config.OutputCodecAV1:  {config.OutputCodecAV1, config.OutputCodecHEVC, config.OutputCodecH264},
	config.OutputCodecHEVC: {config.OutputCodecHEVC, config.OutputCodecH264},
	config.OutputCodecH264: {config.OutputCodecH264},
}

// encoderNames maps (vendor, codec) to the ffmpeg -c:v identifier. Vendor ==
// VendorNone is the CPU (software) path.
var encoderNames = map[Vendor]map[config.OutputCodec]string{
	VendorVideoToolbox: {
		config.OutputCodecAV1:  "av1_videotoolbox",
		config.OutputCodecHEVC: "hevc_videotoolbox",
		config.OutputCodecH264: "h264_videotoolbox",
	},
	VendorNVENC: {
		config.OutputCodecAV1:  "av1_nvenc",
		config.OutputCodecHEVC: "hevc_nvenc",
		config.OutputCodecH264: "h264_nvenc",
	},
	VendorQSV: {
		config.OutputCodecAV1:  "av1_qsv",
		config.OutputCodecHEVC: "hevc_qsv",
		config.OutputCodecH264: "h264_qsv",
	},
	VendorVAAPI: {
		config.OutputCodecAV1:  "av1_vaapi",
		config.OutputCodecHEVC: "hevc_vaapi",
		config.OutputCodecH264: "h264_vaapi",
	},
	VendorAMF: {
		config.OutputCodecAV1:  "av1_amf",
		config.OutputCodecHEVC: "hevc_amf",
		config.OutputCodecH264: "h264_amf",
	},
	VendorNone: {
		config.OutputCodecAV1:  "libsvtav1",
		config.OutputCodecHEVC: "libx265",
		config.OutputCodecH264: "libx264",
	},
}

// Capabilities is the narrow view Plan needs to confirm a candidate exists.
type Capabilities interface {
	HasVideoEncoder(name string) bool
}

// DevicePathProvider is an optional Capabilities extension for vendors whose
// rate control must bind to a specific accelerator device node (VAAPI, and
// QSV's VAAPI-derived init path on Linux). Plan type-asserts for it so a
// fakeCaps in tests that only implements HasVideoEncoder still satisfies
// Capabilities.
type DevicePathProvider interface {
	VAAPIDevicePath() string
}

// Plan is the EncoderPlanner's verdict: a concrete encoder id plus the
// rate-control and HDR handling to hand to the EncoderDriver.
type Plan struct {
	EncoderID   string
	ActualCodec config.OutputCodec // may differ from the requested codec if the fallback chain was used
	Vendor      Vendor
	RC          media.RateControl
	HDR         *media.HDRParams
}

// cpuPresetCRF is the libx265 CRF value per cpu_preset, per spec §4.5.
var cpuPresetCRF = map[config.CPUPreset]int{
	config.CPUPresetSlow:   20,
	config.CPUPresetMedium: 24,
	config.CPUPresetFast:   26,
	config.CPUPresetFaster: 28,
}

// svtAV1ByProfile is {preset, crf} per quality profile, per spec §4.5.
var svtAV1ByProfile = map[config.QualityProfile][2]int{
	config.QualityProfileQuality:  {4, 24},
	config.QualityProfileBalanced: {8, 28},
	config.QualityProfileSpeed:    {12, 32},
}

var qsvGlobalQuality = map[config.QualityProfile]int{
	config.QualityProfileQuality:  20,
	config.QualityProfileBalanced: 25,
	config.QualityProfileSpeed:    30,
}

var nvencPreset = map[config.QualityProfile]string{
	config.QualityProfileQuality:  "p7",
	config.QualityProfileBalanced: "p4",
	config.QualityProfileSpeed:    "p1",
}

// Plan searches vendor-ordered hardware candidates, then software, for the
// requested codec; if allowFallback is set and nothing at all is available
// for that codec, it retries with the next codec down the fallback chain.
func Plan(codec config.OutputCodec, quality config.QualityProfile, cpuPreset config.CPUPreset,
	hwHint Vendor, caps Capabilities, allowFallback bool, m media.MediaMetadata,
	tonemapEnabled bool, tonemapAlgorithm string) (Plan, error) {

	chain := []config.OutputCodec{codec}
	if allowFallback {
		chain = codecFallbackChain[codec]
	}

	var devicePath string
	if dp, ok := caps.(DevicePathProvider); ok {
		devicePath = dp.VAAPIDevicePath()
	}

	for _, c := range chain {
		if vendor, encoderID, ok := selectCandidate(c, hwHint, caps); ok {
			return Plan{
				EncoderID:   encoderID,
				ActualCodec: c,
				Vendor:      vendor,
				RC:          rateControlFor(vendor, c, quality, cpuPreset, devicePath),
				HDR:         hdrParamsFor(m, tonemapEnabled, tonemapAlgorithm),
			}, nil
		}
	}
	return Plan{}, ErrNoEncoder
}

// selectCandidate walks the vendor priority list (hwHint first, if set and
// available) for one codec and returns the first Capabilities-confirmed one.
func selectCandidate(codec config.OutputCodec, hwHint Vendor, caps Capabilities) (Vendor, string, bool) {
	order := vendorPriority()
	if hwHint != "" {
		reordered := []Vendor{hwHint}
		for _, v := range order {
			if v != hwHint {
				reordered = append(reordered, v)
			}
		}
		order = reordered
	}
	for _, vendor := range order {
		name := encoderNames[vendor][codec]
		if name != "" && caps.HasVideoEncoder(name) {
			return vendor, name, true
		}
	}
	return "", "", false
}

// rateControlFor builds the per-encoder-family rate-control values of spec
// §4.5. devicePath is only applied to vendors whose ffmpeg invocation needs an
// explicit accelerator device bound (VAAPI, and QSV's VAAPI-derived init path
// on Linux); NVENC and VideoToolbox never take one.
func rateControlFor(vendor Vendor, codec config.OutputCodec, quality config.QualityProfile, cpuPreset config.CPUPreset, devicePath string) media.RateControl {
	switch vendor {
	case VendorQSV:
		return media.RateControl{Mode: media.RateControlCQ, CRFValue: qsvGlobalQuality[quality], QSVLookAhead: true, DevicePath: devicePath}
	case VendorNVENC:
		return media.RateControl{Mode: media.RateControlCQ, CRFValue: 25, Preset: nvencPreset[quality]}
	case VendorVideoToolbox:
		rc := media.RateControl{Mode: media.RateControlCQ, CRFValue: 62}
		if codec == config.OutputCodecHEVC {
			rc.CodecTag = "hvc1" // tags the HEVC stream so Apple demuxers accept it
		}
		return rc
	case VendorVAAPI:
		return media.RateControl{Mode: media.RateControlCQ, CRFValue: 27, DevicePath: devicePath}
	case VendorAMF:
		return media.RateControl{Mode: media.RateControlCQ, CRFValue: 27}
	default: // software
		if codec == config.OutputCodecAV1 {
			pc := svtAV1ByProfile[quality]
			return media.RateControl{Mode: media.RateControlCRF, CRFValue: pc[1], Preset: strconv.Itoa(pc[0])}
		}
		return media.RateControl{Mode: media.RateControlCRF, CRFValue: cpuPresetCRF[cpuPreset], Preset: string(cpuPreset)}
	}
}

// hdrParamsFor decides whether to tonemap or pass through HDR color metadata.
func hdrParamsFor(m media.MediaMetadata, tonemapEnabled bool, algorithm string) *media.HDRParams {
	if !m.IsHDR() {
		return nil
	}
	if !tonemapEnabled {
		return &media.HDRParams{Tonemap: false}
	}
	if algorithm == "" {
		algorithm = "hable"
	}
	return &media.HDRParams{Tonemap: true, Algorithm: algorithm}
}
