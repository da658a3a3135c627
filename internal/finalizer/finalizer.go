// Package finalizer runs the post-encode verification every successful
// driver exit must pass before a job is allowed to reach Completed: a size
// gate, then an optional VMAF gate, in that order (teacher's worker.go only
// has the size gate — it inlines `result.OutputSize >= job.InputSize` right
// after Transcode returns; this package generalizes that into a standalone
// step and adds the VMAF gate grounded on vmaf/score.go's Score, sequenced
// after the size gate per the teacher's existing check-order).
package finalizer

import (
	"context"
	"fmt"
	"os"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/eventbus"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/logger"
	"github.com/alchemist-sh/alchemist/internal/media"
	"github.com/alchemist-sh/alchemist/internal/store"
)

// hdrScorer is implemented by QualityScorer backends that can additionally
// tonemap the reference leg before comparison, so an HDR source and its SDR
// (or differently-graded) encode are compared in the same color space. Only
// *media.FFmpegVMAFScorer implements it today; Finalizer type-asserts for it
// rather than widening the QualityScorer interface every caller must satisfy.
type hdrScorer interface {
	ScoreHDR(ctx context.Context, original, encoded string, height int, hdr bool) (*float64, error)
}

// Finalizer owns the Store and EventBus calls of spec §4.7.
type Finalizer struct {
	Store  store.Store
	Scorer media.QualityScorer
	Bus    *eventbus.Bus
}

// New builds a Finalizer.
func New(s store.Store, scorer media.QualityScorer, bus *eventbus.Bus) *Finalizer {
	return &Finalizer{Store: s, Scorer: scorer, Bus: bus}
}

// Finalize runs the size gate, then the VMAF gate, then persists stats and
// transitions the job to its final Skipped/Completed state. A non-nil error
// means the job should be left Failed by the caller; every other outcome
// (including a gate-triggered skip) is fully handled here and returns nil.
func (f *Finalizer) Finalize(ctx context.Context, j *job.Job, outputPath string, m media.MediaMetadata, s config.Settings, encodeTimeSecs float64) error {
	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutputRejected, err)
	}
	outputBytes := info.Size()
	inputBytes := m.SizeBytes

	reduction := 0.0
	if inputBytes > 0 {
		reduction = 1 - float64(outputBytes)/float64(inputBytes)
	}
	if outputBytes == 0 || reduction < s.SizeReductionThreshold {
		reason := fmt.Sprintf("Output size reduction %.1f%% below threshold %.1f%%", reduction*100, s.SizeReductionThreshold*100)
		return f.reject(ctx, j, outputPath, reason)
	}

	var vmaf *float64
	if s.EnableVMAF && f.Scorer != nil {
		var score *float64
		var err error
		if m.IsHDR() {
			if hs, ok := f.Scorer.(hdrScorer); ok {
				score, err = hs.ScoreHDR(ctx, j.InputPath, outputPath, m.Height, true)
			} else {
				score, err = f.Scorer.Score(ctx, j.InputPath, outputPath)
			}
		} else {
			score, err = f.Scorer.Score(ctx, j.InputPath, outputPath)
		}
		if err != nil {
			logger.Warn("VMAF scoring failed, continuing without a quality verdict", "job_id", j.ID, "error", err)
		} else if score != nil {
			vmaf = score
			if *vmaf < s.MinVMAFScore && s.RevertOnLowQuality {
				reason := fmt.Sprintf("VMAF score %.2f below minimum %.2f", *vmaf, s.MinVMAFScore)
				return f.reject(ctx, j, outputPath, reason)
			}
		}
	}

	stats := job.NewEncodeStats(j.ID, inputBytes, outputBytes, encodeTimeSecs, m.DurationSecs, vmaf)
	if err := f.Store.SaveStats(ctx, stats); err != nil {
		return fmt.Errorf("save encode stats: %w", err)
	}

	if s.DeleteSource {
		if err := os.Remove(j.InputPath); err != nil {
			logger.Warn("failed to delete source after successful encode", "job_id", j.ID, "path", j.InputPath, "error", err)
		}
	}

	if err := f.Store.UpdateState(ctx, j.ID, job.StateCompleted); err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}
	f.Bus.Publish(job.StateChanged(j.ID, job.StateCompleted))
	logger.Info("job completed", "job_id", j.ID, "input_bytes", inputBytes, "output_bytes", outputBytes, "compression_ratio", stats.CompressionRate)
	return nil
}

// reject deletes the rejected output, records the skip decision, and
// transitions the job to Skipped.
func (f *Finalizer) reject(ctx context.Context, j *job.Job, outputPath, reason string) error {
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove rejected output", "job_id", j.ID, "path", outputPath, "error", err)
	}
	if err := f.Store.AddDecision(ctx, j.ID, job.ActionSkip, reason); err != nil {
		return fmt.Errorf("record skip decision: %w", err)
	}
	if err := f.Store.UpdateState(ctx, j.ID, job.StateSkipped); err != nil {
		return fmt.Errorf("transition to skipped: %w", err)
	}
	f.Bus.Publish(job.DecisionEvent(j.ID, job.ActionSkip, reason))
	f.Bus.Publish(job.StateChanged(j.ID, job.StateSkipped))
	logger.Info("job skipped by finalizer", "job_id", j.ID, "reason", reason)
	return nil
}
