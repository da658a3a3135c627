// Package scheduler runs the claim-next-job loop of spec §4.9: a bounded
// pool of concurrent jobs, a manual pause gate, and a schedule-window gate,
// spawning a Worker for every job the Store hands it. Grounded on the
// teacher's jobs.WorkerPool, but traded its fixed-size []*Worker slice for a
// golang.org/x/sync/semaphore.Weighted slot count — the teacher starts and
// stops whole goroutines to resize; this package instead resizes the
// semaphore's available weight, which maps directly onto the pseudocode's
// "increasing grants new permits; decreasing acquires and holds surplus
// permits until in-flight jobs drain."
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/logger"
	"github.com/alchemist-sh/alchemist/internal/media"
	"github.com/alchemist-sh/alchemist/internal/store"
	"github.com/alchemist-sh/alchemist/internal/worker"
)

// maxSlots is a generous ceiling on concurrent_jobs; nothing in the domain
// calls for more than a handful of simultaneous encodes, but the ceiling
// itself costs nothing since unused weight just sits reserved.
const maxSlots = 64

const (
	gateSleep  = 2 * time.Second
	emptySleep = 5 * time.Second
	storeRetry = 5 * time.Second
)

// SettingsFunc and WindowsFunc let the Scheduler read the live, possibly
// just-edited policy on every loop tick without owning its persistence.
type SettingsFunc func() config.Settings
type WindowsFunc func() []config.ScheduleWindow

// Scheduler owns the bounded worker-slot pool and the claim-next-job loop.
type Scheduler struct {
	Store    store.Store
	Worker   *worker.Worker
	Caps     *media.Capabilities
	Settings SettingsFunc
	Windows  WindowsFunc

	sem      *semaphore.Weighted
	limitMu  sync.Mutex
	limit    int64

	pausedMu sync.RWMutex
	paused   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler with an initial concurrency limit. Start must be
// called before jobs are claimed.
func New(s store.Store, w *worker.Worker, caps *media.Capabilities, settings SettingsFunc, windows WindowsFunc, initialLimit int) *Scheduler {
	sem := semaphore.NewWeighted(maxSlots)
	limit := int64(clamp(initialLimit))
	if reserve := maxSlots - limit; reserve > 0 {
		// Reserve the unused slots up front so Acquire(1) only ever succeeds
		// up to `limit` concurrent jobs.
		_ = sem.Acquire(context.Background(), reserve)
	}
	return &Scheduler{
		Store:    s,
		Worker:   w,
		Caps:     caps,
		Settings: settings,
		Windows:  windows,
		sem:      sem,
		limit:    limit,
	}
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxSlots {
		return maxSlots
	}
	return n
}

// Start runs the claim loop in a background goroutine until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Pause closes the manual gate; in-flight jobs run to completion but no new
// job is claimed until Resume.
func (s *Scheduler) Pause() {
	s.pausedMu.Lock()
	s.paused = true
	s.pausedMu.Unlock()
}

// Resume reopens the manual gate.
func (s *Scheduler) Resume() {
	s.pausedMu.Lock()
	s.paused = false
	s.pausedMu.Unlock()
}

// IsPaused reports the manual gate's current state.
func (s *Scheduler) IsPaused() bool {
	s.pausedMu.RLock()
	defer s.pausedMu.RUnlock()
	return s.paused
}

// CancelJob requests cancellation of a running job. Reports whether the job
// was found running under this Scheduler's Worker.
func (s *Scheduler) CancelJob(jobID int64) bool {
	return s.Worker.Cancel(jobID)
}

// Resize changes the concurrency limit. Growing releases reserved permits
// immediately; shrinking blocks (on ctx) until enough in-flight jobs finish
// to surrender the surplus permits.
func (s *Scheduler) Resize(ctx context.Context, n int) error {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()

	newLimit := int64(clamp(n))
	delta := newLimit - s.limit
	if delta > 0 {
		s.sem.Release(delta)
	} else if delta < 0 {
		if err := s.sem.Acquire(ctx, -delta); err != nil {
			return err
		}
	}
	s.limit = newLimit
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		if s.IsPaused() || !s.scheduleAllowed() {
			if !sleepOrDone(ctx, gateSleep) {
				return
			}
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return // context cancelled while waiting for a slot
		}

		j, err := s.Store.ClaimNextJob(ctx)
		if err != nil {
			logger.Error("claim_next_job failed, backing off", "error", err)
			s.sem.Release(1)
			if !sleepOrDone(ctx, storeRetry) {
				return
			}
			continue
		}
		if j == nil {
			s.sem.Release(1)
			if !sleepOrDone(ctx, emptySleep) {
				return
			}
			continue
		}

		settings := s.Settings()
		s.wg.Add(1)
		go func(j *job.Job) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.Worker.Process(ctx, j, settings, s.Caps)
		}(j)
	}
}

// scheduleAllowed reports whether any enabled window covers the current
// local time, or true if no windows are configured at all (unrestricted).
func (s *Scheduler) scheduleAllowed() bool {
	windows := s.Windows()
	enabled := false
	now := time.Now()
	weekday := int(now.Weekday())
	minuteOfDay := now.Hour()*60 + now.Minute()

	for _, w := range windows {
		if !w.Enabled {
			continue
		}
		enabled = true
		if !dayMatches(w.Days, weekday) {
			continue
		}
		start := w.StartHour*60 + w.StartMin
		end := w.EndHour*60 + w.EndMin
		if windowContains(start, end, minuteOfDay) {
			return true
		}
	}
	return !enabled
}

func dayMatches(days []int, weekday int) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == weekday {
			return true
		}
	}
	return false
}

// windowContains handles overnight windows (start > end, e.g. 22:00-06:00)
// the same way the teacher's isScheduleAllowed does for hour-only windows.
func windowContains(start, end, t int) bool {
	if start == end {
		return true // a zero-width window means "all day"
	}
	if start > end {
		return t >= start || t < end
	}
	return t >= start && t < end
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
