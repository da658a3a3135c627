package media

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/alchemist-sh/alchemist/internal/logger"
)

// RateControlMode selects which rate-control knob EncoderPlanner fills in.
type RateControlMode string

const (
	RateControlCRF     RateControlMode = "crf"
	RateControlBitrate RateControlMode = "bitrate"
	RateControlCQ      RateControlMode = "cq" // hardware quality-level encoders (NVENC, QSV, VAAPI)
)

// RateControl is the per-encode rate-control parameters the EncoderPlanner
// derives and the EncoderDriver turns into ffmpeg flags (spec §4.5).
type RateControl struct {
	Mode        RateControlMode
	CRFValue    int // used when Mode == RateControlCRF or RateControlCQ
	BitrateKbps int // used when Mode == RateControlBitrate
	Preset      string

	QSVLookAhead bool   // QSV only: enable -look_ahead for better rate-distortion at a latency cost
	DevicePath   string // VAAPI/QSV device node to bind (e.g. "/dev/dri/renderD128"); "" lets ffmpeg pick
	CodecTag     string // forced -tag:v value (e.g. "hvc1" for VideoToolbox HEVC so Apple demuxers accept it); "" means ffmpeg's default
}

// HDRParams carries the tonemap decision the EncoderPlanner made for a source
// (spec §4.5's HDR branch). Nil means "pass the color metadata through
// unchanged"; non-nil with Tonemap=false still documents that the source is
// HDR but staying HDR end-to-end (the encoder supports HDR passthrough).
type HDRParams struct {
	Tonemap   bool
	Algorithm string // e.g. "hable"; only meaningful when Tonemap is true
}

// ProgressLine is one parsed tick of `ffmpeg -progress pipe:1` output.
type ProgressLine struct {
	Frame        int64
	FPS          float64
	TimeSecs     float64
	Speed        float64
	OutSizeBytes int64
}

// ExitStatus reports what happened once the encoder subprocess exits.
type ExitStatus struct {
	Success         bool
	OutputSizeBytes int64
	ElapsedSecs     float64
}

// EncoderDriver is the spec §6 interface the Worker's Encoding step drives.
type EncoderDriver interface {
	Encode(ctx context.Context, input, output string, encoderID string, rc RateControl,
		hdr *HDRParams, onProgress func(ProgressLine)) (ExitStatus, error)
}

// FFmpegEncoderDriver shells out to ffmpeg. Grounded on the teacher's
// Transcoder.Transcode: stdout progress pipe, stderr capture for diagnostics,
// cleanup of a partial output file on failure.
type FFmpegEncoderDriver struct {
	FFmpegPath string
}

// NewFFmpegEncoderDriver returns an EncoderDriver backed by the ffmpeg binary at path.
func NewFFmpegEncoderDriver(path string) *FFmpegEncoderDriver {
	return &FFmpegEncoderDriver{FFmpegPath: path}
}

// Encode runs one ffmpeg invocation end to end. encoderID is the ffmpeg
// -c:v value the EncoderPlanner selected (e.g. "hevc_videotoolbox",
// "libsvtav1"); rc and hdr shape the remaining output-side flags.
func (d *FFmpegEncoderDriver) Encode(ctx context.Context, input, output string, encoderID string, rc RateControl,
	hdr *HDRParams, onProgress func(ProgressLine)) (ExitStatus, error) {
	start := time.Now()

	args := buildEncodeArgs(input, output, encoderID, rc, hdr)
	cmd := exec.CommandContext(ctx, d.FFmpegPath, args...)
	logger.Debug("ffmpeg command", "args", strings.Join(args, " "))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExitStatus{}, fmt.Errorf("%w: stdout pipe: %v", ErrEncoderFailed, err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return ExitStatus{}, fmt.Errorf("%w: start: %v", ErrEncoderFailed, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanProgress(stdout, onProgress)
	}()
	<-done

	if err := cmd.Wait(); err != nil {
		os.Remove(output)
		tail := lastLines(stderr.String(), 5)
		logger.Error("ffmpeg failed", "error", err, "stderr", tail)
		return ExitStatus{}, fmt.Errorf("%w: %v (%s)", ErrEncoderFailed, err, tail)
	}

	info, err := os.Stat(output)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("%w: stat output: %v", ErrEncoderFailed, err)
	}

	return ExitStatus{
		Success:         true,
		OutputSizeBytes: info.Size(),
		ElapsedSecs:     time.Since(start).Seconds(),
	}, nil
}

// buildEncodeArgs assembles the ffmpeg argv. Rate-control and HDR flags are
// kept deliberately simple here — the EncoderPlanner is what decides whether
// CRF, bitrate, or CQ mode applies and what the tonemap filtergraph looks
// like; this function only renders the already-decided values.
func buildEncodeArgs(input, output, encoderID string, rc RateControl, hdr *HDRParams) []string {
	var args []string

	// Device binding is a global option and must precede -i.
	if rc.DevicePath != "" {
		switch {
		case strings.Contains(encoderID, "vaapi"):
			args = append(args, "-vaapi_device", rc.DevicePath)
		case strings.Contains(encoderID, "qsv"):
			args = append(args, "-init_hw_device", "qsv=qsv:"+rc.DevicePath, "-filter_hw_device", "qsv")
		}
	}

	args = append(args,
		"-i", input,
		"-y",
		"-progress", "pipe:1",
		"-nostats",
		"-c:v", encoderID,
	)

	switch rc.Mode {
	case RateControlCRF:
		args = append(args, "-crf", strconv.Itoa(rc.CRFValue))
	case RateControlCQ:
		args = append(args, "-cq", strconv.Itoa(rc.CRFValue))
	case RateControlBitrate:
		args = append(args, "-b:v", fmt.Sprintf("%dk", rc.BitrateKbps))
	}
	if rc.Preset != "" {
		args = append(args, "-preset", rc.Preset)
	}
	if rc.QSVLookAhead {
		args = append(args, "-look_ahead", "1")
	}
	if rc.CodecTag != "" {
		args = append(args, "-tag:v", rc.CodecTag)
	}

	if hdr != nil && hdr.Tonemap {
		algo := hdr.Algorithm
		if algo == "" {
			algo = "hable"
		}
		args = append(args, "-vf", fmt.Sprintf(
			"zscale=t=linear:npl=1000,format=gbrpf32le,zscale=p=bt709,tonemap=%s:desat=0,zscale=t=bt709:m=bt709,format=yuv420p",
			algo))
	}

	args = append(args, "-c:a", "copy", output)
	return args
}

// scanProgress reads ffmpeg's `-progress pipe:1` key=value stream and emits a
// ProgressLine on every "progress=continue"/"progress=end" tick. Mirrors the
// teacher's Transcode goroutine.
func scanProgress(r io.Reader, onProgress func(ProgressLine)) {
	scanner := bufio.NewScanner(r)
	var cur ProgressLine
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key, value := line[:idx], line[idx+1:]
		switch key {
		case "frame":
			cur.Frame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			cur.FPS, _ = strconv.ParseFloat(value, 64)
		case "total_size":
			cur.OutSizeBytes, _ = strconv.ParseInt(value, 10, 64)
		case "out_time_us":
			if value != "N/A" {
				us, _ := strconv.ParseInt(value, 10, 64)
				cur.TimeSecs = float64(us) / 1e6
			}
		case "speed":
			if value != "N/A" {
				cur.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
			}
		case "progress":
			if onProgress != nil && (value == "continue" || value == "end") {
				onProgress(cur)
			}
		}
	}
}

// lastLines returns the last n lines of s, for trimming stderr in error messages.
func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
