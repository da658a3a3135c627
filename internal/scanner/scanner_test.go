package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	calls int
	paths map[string]string // input -> output
}

func newFakeStore() *fakeStore {
	return &fakeStore{paths: map[string]string{}}
}

func (f *fakeStore) UpsertJob(ctx context.Context, input, output, mtime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.paths[input] = output
	return nil
}

func (f *fakeStore) ClaimNextJob(ctx context.Context) (*job.Job, error) { return nil, nil }
func (f *fakeStore) GetJob(ctx context.Context, id int64) (*job.Job, error) { return nil, nil }
func (f *fakeStore) UpdateState(ctx context.Context, id int64, state job.State) error { return nil }
func (f *fakeStore) SetProgress(ctx context.Context, id int64, pct float64) error  { return nil }
func (f *fakeStore) SetPriority(ctx context.Context, id int64, priority int) error { return nil }
func (f *fakeStore) AddDecision(ctx context.Context, id int64, action job.Action, reason string) error {
	return nil
}
func (f *fakeStore) SaveStats(ctx context.Context, stats job.EncodeStats) error { return nil }
func (f *fakeStore) ResetInterrupted(ctx context.Context) (int, error)          { return 0, nil }
func (f *fakeStore) BatchUpdateState(ctx context.Context, from, to job.State) (int, error) {
	return 0, nil
}
func (f *fakeStore) DeleteJob(ctx context.Context, id int64) error   { return nil }
func (f *fakeStore) ClearCompleted(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeStore) GetJobsFiltered(ctx context.Context, flt store.Filter) ([]*job.Job, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func writeVideo(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("fake video"), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScan_UpsertsOnlyVideoFiles(t *testing.T) {
	dir := t.TempDir()
	writeVideo(t, filepath.Join(dir, "movie.mkv"))
	writeVideo(t, filepath.Join(dir, "clip.mp4"))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	fs := newFakeStore()
	sc := New(fs)
	result, err := sc.Scan(context.Background(), dir, config.Default())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.FilesFound != 2 || result.JobsUpserted != 2 {
		t.Errorf("expected 2 video files upserted, got found=%d upserted=%d", result.FilesFound, result.JobsUpserted)
	}
	if fs.calls != 2 {
		t.Errorf("expected 2 UpsertJob calls, got %d", fs.calls)
	}
}

func TestScan_SkipsHiddenDirectories(t *testing.T) {
	dir := t.TempDir()
	hidden := filepath.Join(dir, ".recycle")
	if err := os.MkdirAll(hidden, 0755); err != nil {
		t.Fatal(err)
	}
	writeVideo(t, filepath.Join(hidden, "deleted.mkv"))
	writeVideo(t, filepath.Join(dir, "keep.mkv"))

	fs := newFakeStore()
	sc := New(fs)
	result, err := sc.Scan(context.Background(), dir, config.Default())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.JobsUpserted != 1 {
		t.Errorf("expected 1 job (hidden dir skipped), got %d", result.JobsUpserted)
	}
}

func TestScan_OutputPathAppliesSuffixAndExtension(t *testing.T) {
	dir := t.TempDir()
	writeVideo(t, filepath.Join(dir, "movie.mp4"))

	fs := newFakeStore()
	sc := New(fs)
	s := config.Default()
	s.OutputSuffix = ".av1"
	s.OutputExtension = ".mkv"

	if _, err := sc.Scan(context.Background(), dir, s); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	in := filepath.Join(dir, "movie.mp4")
	want := filepath.Join(dir, "movie.av1.mkv")
	if got := fs.paths[in]; got != want {
		t.Errorf("output path = %s, want %s", got, want)
	}
}

func TestScan_ConcurrentScansOfSameRootAreDeduped(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		writeVideo(t, filepath.Join(dir, "f"+string(rune('a'+i))+".mkv"))
	}

	fs := newFakeStore()
	sc := New(fs)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := sc.Scan(context.Background(), dir, config.Default())
			if err != nil {
				t.Errorf("Scan: %v", err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r.FilesFound != 20 {
			t.Errorf("expected every caller to see 20 files found, got %d", r.FilesFound)
		}
	}
}

func TestScan_ContextCancellationStopsWalk(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeVideo(t, filepath.Join(dir, "f"+string(rune('a'+i))+".mkv"))
	}

	fs := newFakeStore()
	sc := New(fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := sc.Scan(ctx, dir, config.Default())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.JobsUpserted != 0 {
		t.Errorf("expected no jobs upserted after cancellation, got %d", result.JobsUpserted)
	}
}
