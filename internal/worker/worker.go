// Package worker implements the per-job state machine of spec §4.6: probe,
// decide, plan, encode, finalize. Grounded on the teacher's jobs.Worker
// processJob — same ordered steps, same per-job context.CancelFunc registry,
// same "remove partial output before a terminal Failed/Cancelled transition"
// discipline. Differs from the teacher by delegating encoder selection to
// EncoderPlanner instead of a UI-selected preset, and by handing a successful
// encode to the Finalizer instead of inlining the size check.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/decision"
	"github.com/alchemist-sh/alchemist/internal/eventbus"
	"github.com/alchemist-sh/alchemist/internal/finalizer"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/logger"
	"github.com/alchemist-sh/alchemist/internal/media"
	"github.com/alchemist-sh/alchemist/internal/planner"
	"github.com/alchemist-sh/alchemist/internal/store"
)

// Capabilities is the narrow view the Worker threads through to the
// DecisionEngine and EncoderPlanner.
type Capabilities interface {
	decision.Capabilities
	planner.Capabilities
}

// Worker drives one claimed job through Analyzing/Encoding to a terminal
// state. A single Worker value is safe to reuse across jobs and is typically
// invoked concurrently by several Scheduler-spawned goroutines at once; its
// only shared mutable state is the cancellation registry.
type Worker struct {
	Store     store.Store
	Probe     media.MediaProbe
	Encoder   media.EncoderDriver
	Finalizer *finalizer.Finalizer
	Bus       *eventbus.Bus

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// New builds a Worker.
func New(s store.Store, probe media.MediaProbe, enc media.EncoderDriver, fin *finalizer.Finalizer, bus *eventbus.Bus) *Worker {
	return &Worker{
		Store:     s,
		Probe:     probe,
		Encoder:   enc,
		Finalizer: fin,
		Bus:       bus,
		cancels:   make(map[int64]context.CancelFunc),
	}
}

// Cancel requests cancellation of jobID if it is currently running under
// this Worker. Reports whether a running job was found.
func (w *Worker) Cancel(jobID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cancel, ok := w.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Process runs the full Worker contract of spec §4.6 for a job the Scheduler
// has already claimed (state Analyzing, attempt_count incremented). settings
// and caps are a per-job snapshot: a live config change must never alter an
// in-flight job's thresholds.
func (w *Worker) Process(ctx context.Context, j *job.Job, settings config.Settings, caps Capabilities) {
	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancels[j.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.cancels, j.ID)
		w.mu.Unlock()
		cancel()
	}()

	if filepath.Clean(j.InputPath) == filepath.Clean(j.OutputPath) {
		w.skip(jobCtx, j, "Input and output path are identical")
		return
	}
	if _, err := os.Stat(j.OutputPath); err == nil && settings.ReplaceStrategy == config.ReplaceStrategyKeep {
		w.skip(jobCtx, j, "Output file already exists")
		return
	}

	m, err := w.Probe.Probe(jobCtx, j.InputPath)
	if err != nil {
		w.fail(jobCtx, j, fmt.Errorf("probe: %w", err))
		return
	}

	action, reason := decision.Decide(m, settings, caps, "")
	if err := w.Store.AddDecision(jobCtx, j.ID, action, reason); err != nil {
		w.fail(jobCtx, j, fmt.Errorf("record decision: %w", err))
		return
	}
	w.Bus.Publish(job.DecisionEvent(j.ID, action, reason))

	if action == job.ActionSkip {
		if err := w.Store.UpdateState(jobCtx, j.ID, job.StateSkipped); err != nil {
			logger.Error("failed to transition skipped job", "job_id", j.ID, "error", err)
			return
		}
		w.Bus.Publish(job.StateChanged(j.ID, job.StateSkipped))
		logger.Info("job skipped", "job_id", j.ID, "reason", reason)
		return
	}

	p, err := planner.Plan(settings.OutputCodec, settings.QualityProfile, settings.CPUPreset, "", caps,
		settings.AllowCPUFallback, m, settings.TonemapEnabled, settings.TonemapAlgorithm)
	if err == planner.ErrNoEncoder {
		w.skip(jobCtx, j, fmt.Sprintf("No available encoder for %s", settings.OutputCodec))
		return
	}
	if err != nil {
		w.fail(jobCtx, j, fmt.Errorf("plan encoder: %w", err))
		return
	}

	if err := w.Store.UpdateState(jobCtx, j.ID, job.StateEncoding); err != nil {
		logger.Error("failed to transition to encoding", "job_id", j.ID, "error", err)
		return
	}
	w.Bus.Publish(job.StateChanged(j.ID, job.StateEncoding))

	tempOutput := buildTempPath(j.OutputPath)
	start := time.Now()
	onProgress := func(line media.ProgressLine) {
		pct := 0.0
		if m.DurationSecs > 0 {
			pct = 100 * line.TimeSecs / m.DurationSecs
			if pct > 100 {
				pct = 100
			}
		}
		elapsed := time.Duration(line.TimeSecs * float64(time.Second))
		_ = w.Store.SetProgress(jobCtx, j.ID, pct)
		w.Bus.Publish(job.Progress(j.ID, pct, elapsed))
		w.Bus.Publish(job.Log(j.ID, "info",
			fmt.Sprintf("frame=%d fps=%.1f speed=%.2fx", line.Frame, line.FPS, line.Speed)))
	}

	status, err := w.Encoder.Encode(jobCtx, j.InputPath, tempOutput, p.EncoderID, p.RC, p.HDR, onProgress)

	if jobCtx.Err() != nil {
		os.Remove(tempOutput)
		if ctx.Err() == nil { // job-level cancel, not a process shutdown
			if uerr := w.Store.UpdateState(context.Background(), j.ID, job.StateCancelled); uerr != nil {
				logger.Error("failed to transition cancelled job", "job_id", j.ID, "error", uerr)
				return
			}
			w.Bus.Publish(job.StateChanged(j.ID, job.StateCancelled))
			logger.Info("job cancelled", "job_id", j.ID)
		}
		return
	}

	if err != nil || !status.Success {
		os.Remove(tempOutput)
		if err == nil {
			err = fmt.Errorf("encoder exited unsuccessfully")
		}
		w.fail(jobCtx, j, fmt.Errorf("encode: %w", err))
		return
	}

	if err := os.Rename(tempOutput, j.OutputPath); err != nil {
		os.Remove(tempOutput)
		w.fail(jobCtx, j, fmt.Errorf("move output into place: %w", err))
		return
	}

	if err := w.Finalizer.Finalize(jobCtx, j, j.OutputPath, m, settings, time.Since(start).Seconds()); err != nil {
		w.fail(jobCtx, j, fmt.Errorf("finalize: %w", err))
		return
	}
}

func (w *Worker) skip(ctx context.Context, j *job.Job, reason string) {
	if err := w.Store.AddDecision(ctx, j.ID, job.ActionSkip, reason); err != nil {
		logger.Error("failed to record skip decision", "job_id", j.ID, "error", err)
		return
	}
	if err := w.Store.UpdateState(ctx, j.ID, job.StateSkipped); err != nil {
		logger.Error("failed to transition skipped job", "job_id", j.ID, "error", err)
		return
	}
	w.Bus.Publish(job.DecisionEvent(j.ID, job.ActionSkip, reason))
	w.Bus.Publish(job.StateChanged(j.ID, job.StateSkipped))
	logger.Info("job skipped", "job_id", j.ID, "reason", reason)
}

func (w *Worker) fail(ctx context.Context, j *job.Job, cause error) {
	logger.Error("job failed", "job_id", j.ID, "error", cause)
	if err := w.Store.UpdateState(context.Background(), j.ID, job.StateFailed); err != nil {
		logger.Error("failed to transition failed job", "job_id", j.ID, "error", err)
		return
	}
	w.Bus.Publish(job.StateChanged(j.ID, job.StateFailed))
}

// buildTempPath writes the encoder's output alongside the final destination
// so the terminal os.Rename is same-filesystem and atomic. The uuid suffix
// keeps a retried attempt from colliding with a stale temp file a prior,
// interrupted attempt on the same job left behind.
func buildTempPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	ext := filepath.Ext(outputPath)
	base := outputPath[:len(outputPath)-len(ext)]
	return filepath.Join(dir, filepath.Base(base)+".tmp."+uuid.New().String()[:8]+ext)
}
