package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/alchemist-sh/alchemist/internal/logger"
)

// QualityScorer is the spec §6 interface the Finalizer's VMAF gate consults.
// A nil *float64 with a nil error means scoring was skipped (libvmaf absent).
type QualityScorer interface {
	Score(ctx context.Context, original, encoded string) (vmaf *float64, err error)
}

var vmafScoreRe = []*regexp.Regexp{
	regexp.MustCompile(`VMAF score:\s*([\d.]+)`),
	regexp.MustCompile(`"vmaf"[^}]*"mean":\s*([\d.]+)`),
	regexp.MustCompile(`vmaf_v.*mean:\s*([\d.]+)`),
}

// FFmpegVMAFScorer runs ffmpeg's libvmaf filter to compare an encoded file
// against its source. Grounded on the teacher's vmaf.Score: HDR content is
// tonemapped to SDR on the reference leg before comparison so both legs share
// a color space, per spec §4.7.
type FFmpegVMAFScorer struct {
	FFmpegPath string
	available  *bool // nil until first DetectAvailable call
}

// NewFFmpegVMAFScorer returns a QualityScorer backed by the ffmpeg binary at path.
func NewFFmpegVMAFScorer(path string) *FFmpegVMAFScorer {
	return &FFmpegVMAFScorer{FFmpegPath: path}
}

// DetectAvailable checks once whether the ffmpeg build carries libvmaf, and
// caches the answer. Score short-circuits to (nil, nil) when it is false.
func (s *FFmpegVMAFScorer) DetectAvailable() bool {
	if s.available != nil {
		return *s.available
	}
	out, err := exec.Command(s.FFmpegPath, "-filters").Output()
	ok := err == nil && strings.Contains(string(out), "libvmaf")
	s.available = &ok
	return ok
}

// Score compares encoded against original and returns the VMAF score. It
// never tonemaps; callers that need HDR-aware comparison should use ScoreHDR.
func (s *FFmpegVMAFScorer) Score(ctx context.Context, original, encoded string) (*float64, error) {
	return s.score(ctx, original, encoded, 0, false)
}

// ScoreHDR is Score with HDR-aware tonemapping of the reference leg. height
// is accepted but not used: the default VMAF model is used at every
// resolution.
func (s *FFmpegVMAFScorer) ScoreHDR(ctx context.Context, original, encoded string, height int, hdr bool) (*float64, error) {
	return s.score(ctx, original, encoded, height, hdr)
}

func (s *FFmpegVMAFScorer) score(ctx context.Context, original, encoded string, height int, hdr bool) (*float64, error) {
	if !s.DetectAvailable() {
		logger.Warn("vmaf: libvmaf filter unavailable, skipping quality gate")
		return nil, nil
	}

	threads := threadCount()
	var filterComplex string
	if hdr {
		filterComplex = fmt.Sprintf(
			"[0:v]format=yuv420p[dist];"+
				"[1:v]zscale=pin=bt2020:tin=smpte2084:min=bt2020nc:t=linear:npl=1000,"+
				"format=gbrpf32le,zscale=p=bt709,tonemap=hable:desat=0:peak=100,"+
				"zscale=t=bt709:m=bt709,format=yuv420p[ref];"+
				"[dist][ref]libvmaf=n_threads=%d:log_fmt=json:log_path=/dev/stdout", threads)
	} else {
		filterComplex = fmt.Sprintf(
			"[0:v]format=yuv420p[dist];[1:v]format=yuv420p[ref];"+
				"[dist][ref]libvmaf=n_threads=%d:log_fmt=json:log_path=/dev/stdout", threads)
	}

	args := []string{
		"-threads", strconv.Itoa(threads),
		"-filter_threads", strconv.Itoa(threads),
		"-i", encoded,
		"-i", original,
		"-filter_complex", filterComplex,
		"-f", "null", "-",
	}

	cmd := exec.CommandContext(ctx, s.FFmpegPath, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		tail := lastLines(out.String(), 5)
		logger.Error("vmaf scoring failed", "error", err, "stderr", tail)
		return nil, fmt.Errorf("%w: vmaf scoring: %v (%s)", ErrEncoderFailed, err, tail)
	}

	score, err := parseVMAFScore(out.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderFailed, err)
	}
	return &score, nil
}

func parseVMAFScore(output string) (float64, error) {
	for _, re := range vmafScoreRe {
		if m := re.FindStringSubmatch(output); len(m) >= 2 {
			if score, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64); err == nil {
				return score, nil
			}
		}
	}
	return 0, fmt.Errorf("could not parse vmaf score from ffmpeg output")
}

// threadCount limits libvmaf's own filter threads to half the machine so an
// analysis pass doesn't starve a concurrently running encode.
func threadCount() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// trimmedMean drops the single highest and lowest of 3+ sample scores and
// averages the rest, mirroring the teacher's multi-sample VMAF aggregation.
func trimmedMean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	if len(scores) <= 2 {
		sum := 0.0
		for _, v := range scores {
			sum += v
		}
		return sum / float64(len(scores))
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted[1 : len(sorted)-1] {
		sum += v
	}
	return sum / float64(len(sorted)-2)
}
