package finalizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/eventbus"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/media"
	"github.com/alchemist-sh/alchemist/internal/store"
)

// fakeStore implements store.Store with in-memory state, enough for
// Finalizer's call surface.
type fakeStore struct {
	states    map[int64]job.State
	decisions map[int64]string
	stats     map[int64]job.EncodeStats
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[int64]job.State{}, decisions: map[int64]string{}, stats: map[int64]job.EncodeStats{}}
}

func (f *fakeStore) UpsertJob(ctx context.Context, input, output, mtime string) error { return nil }
func (f *fakeStore) ClaimNextJob(ctx context.Context) (*job.Job, error)               { return nil, nil }
func (f *fakeStore) GetJob(ctx context.Context, id int64) (*job.Job, error)           { return nil, nil }
func (f *fakeStore) UpdateState(ctx context.Context, id int64, state job.State) error {
	f.states[id] = state
	return nil
}
func (f *fakeStore) SetProgress(ctx context.Context, id int64, pct float64) error { return nil }
func (f *fakeStore) SetPriority(ctx context.Context, id int64, priority int) error { return nil }
func (f *fakeStore) AddDecision(ctx context.Context, id int64, action job.Action, reason string) error {
	f.decisions[id] = reason
	return nil
}
func (f *fakeStore) SaveStats(ctx context.Context, stats job.EncodeStats) error {
	f.stats[stats.JobID] = stats
	return nil
}
func (f *fakeStore) ResetInterrupted(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) BatchUpdateState(ctx context.Context, from, to job.State) (int, error) {
	return 0, nil
}
func (f *fakeStore) DeleteJob(ctx context.Context, id int64) error  { return nil }
func (f *fakeStore) ClearCompleted(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) GetJobsFiltered(ctx context.Context, flt store.Filter) ([]*job.Job, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

type fakeScorer struct {
	score *float64
	err   error
}

func (s fakeScorer) Score(ctx context.Context, original, encoded string) (*float64, error) {
	return s.score, s.err
}

// fakeHDRScorer additionally implements hdrScorer, recording which method the
// Finalizer actually called.
type fakeHDRScorer struct {
	score       *float64
	scoreCalled bool
	hdrCalled   bool
}

func (s *fakeHDRScorer) Score(ctx context.Context, original, encoded string) (*float64, error) {
	s.scoreCalled = true
	return s.score, nil
}

func (s *fakeHDRScorer) ScoreHDR(ctx context.Context, original, encoded string, height int, hdr bool) (*float64, error) {
	s.hdrCalled = true
	return s.score, nil
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFinalize_CompletesWhenSizeReductionMet(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mkv")
	writeFile(t, out, 400)

	fs := newFakeStore()
	bus := eventbus.New()
	defer bus.Close()
	fin := New(fs, nil, bus)

	j := &job.Job{ID: 1, InputPath: filepath.Join(dir, "in.mkv")}
	m := media.MediaMetadata{SizeBytes: 1000, DurationSecs: 60}
	s := config.Default()

	if err := fin.Finalize(context.Background(), j, out, m, s, 30); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fs.states[1] != job.StateCompleted {
		t.Errorf("expected Completed, got %s", fs.states[1])
	}
	if _, ok := fs.stats[1]; !ok {
		t.Error("expected stats saved")
	}
}

func TestFinalize_SkipsWhenSizeReductionBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mkv")
	writeFile(t, out, 980) // only ~2% reduction

	fs := newFakeStore()
	bus := eventbus.New()
	defer bus.Close()
	fin := New(fs, nil, bus)

	j := &job.Job{ID: 2, InputPath: filepath.Join(dir, "in.mkv")}
	m := media.MediaMetadata{SizeBytes: 1000, DurationSecs: 60}
	s := config.Default() // default threshold is 0.05

	if err := fin.Finalize(context.Background(), j, out, m, s, 30); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fs.states[2] != job.StateSkipped {
		t.Errorf("expected Skipped, got %s", fs.states[2])
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("expected rejected output to be deleted")
	}
}

func TestFinalize_SkipsWhenVMAFBelowMinimum(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mkv")
	writeFile(t, out, 400)

	fs := newFakeStore()
	bus := eventbus.New()
	defer bus.Close()
	low := 80.0
	fin := New(fs, fakeScorer{score: &low}, bus)

	j := &job.Job{ID: 3, InputPath: filepath.Join(dir, "in.mkv")}
	m := media.MediaMetadata{SizeBytes: 1000, DurationSecs: 60}
	s := config.Default()
	s.EnableVMAF = true
	s.MinVMAFScore = 93
	s.RevertOnLowQuality = true

	if err := fin.Finalize(context.Background(), j, out, m, s, 30); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fs.states[3] != job.StateSkipped {
		t.Errorf("expected Skipped, got %s", fs.states[3])
	}
}

func TestFinalize_ContinuesWhenVMAFUnknown(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mkv")
	writeFile(t, out, 400)

	fs := newFakeStore()
	bus := eventbus.New()
	defer bus.Close()
	fin := New(fs, fakeScorer{score: nil, err: nil}, bus)

	j := &job.Job{ID: 4, InputPath: filepath.Join(dir, "in.mkv")}
	m := media.MediaMetadata{SizeBytes: 1000, DurationSecs: 60}
	s := config.Default()
	s.EnableVMAF = true

	if err := fin.Finalize(context.Background(), j, out, m, s, 30); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fs.states[4] != job.StateCompleted {
		t.Errorf("expected Completed when VMAF score is unknown, got %s", fs.states[4])
	}
}

func TestFinalize_RoutesHDRSourcesToScoreHDR(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mkv")
	writeFile(t, out, 400)

	fs := newFakeStore()
	bus := eventbus.New()
	defer bus.Close()
	high := 95.0
	scorer := &fakeHDRScorer{score: &high}
	fin := New(fs, scorer, bus)

	j := &job.Job{ID: 7, InputPath: filepath.Join(dir, "in.mkv")}
	m := media.MediaMetadata{SizeBytes: 1000, DurationSecs: 60, Height: 2160, ColorTransfer: "smpte2084"}
	s := config.Default()
	s.EnableVMAF = true

	if err := fin.Finalize(context.Background(), j, out, m, s, 30); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !scorer.hdrCalled {
		t.Error("expected HDR source to be scored via ScoreHDR")
	}
	if scorer.scoreCalled {
		t.Error("expected HDR source not to use the plain Score path")
	}
}

func TestFinalize_SDRSourceUsesPlainScore(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mkv")
	writeFile(t, out, 400)

	fs := newFakeStore()
	bus := eventbus.New()
	defer bus.Close()
	high := 95.0
	scorer := &fakeHDRScorer{score: &high}
	fin := New(fs, scorer, bus)

	j := &job.Job{ID: 8, InputPath: filepath.Join(dir, "in.mkv")}
	m := media.MediaMetadata{SizeBytes: 1000, DurationSecs: 60, ColorTransfer: "bt709"}
	s := config.Default()
	s.EnableVMAF = true

	if err := fin.Finalize(context.Background(), j, out, m, s, 30); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !scorer.scoreCalled {
		t.Error("expected SDR source to use the plain Score path")
	}
	if scorer.hdrCalled {
		t.Error("expected SDR source not to call ScoreHDR")
	}
}

func TestFinalize_RejectsMissingOutput(t *testing.T) {
	fs := newFakeStore()
	bus := eventbus.New()
	defer bus.Close()
	fin := New(fs, nil, bus)

	j := &job.Job{ID: 5, InputPath: "/tmp/does-not-exist-in.mkv"}
	m := media.MediaMetadata{SizeBytes: 1000, DurationSecs: 60}
	s := config.Default()

	err := fin.Finalize(context.Background(), j, "/tmp/does-not-exist-out.mkv", m, s, 30)
	if err == nil {
		t.Fatal("expected an error for missing output")
	}
}

func TestFinalize_DeletesSourceWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mkv")
	in := filepath.Join(dir, "in.mkv")
	writeFile(t, out, 400)
	writeFile(t, in, 1000)

	fs := newFakeStore()
	bus := eventbus.New()
	defer bus.Close()
	fin := New(fs, nil, bus)

	j := &job.Job{ID: 6, InputPath: in}
	m := media.MediaMetadata{SizeBytes: 1000, DurationSecs: 60}
	s := config.Default()
	s.DeleteSource = true

	if err := fin.Finalize(context.Background(), j, out, m, s, 30); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(in); !os.IsNotExist(err) {
		t.Error("expected source to be deleted")
	}
}
