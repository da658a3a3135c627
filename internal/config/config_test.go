package config

import (
	"path/filepath"
	"testing"
)

func TestDefault_IsInternallyConsistent(t *testing.T) {
	s := Default()
	if s.ConcurrentJobs < 1 {
		t.Errorf("expected ConcurrentJobs >= 1, got %d", s.ConcurrentJobs)
	}
	if !IsValidTonemapAlgorithm(s.TonemapAlgorithm) {
		t.Errorf("default tonemap algorithm %q is not valid", s.TonemapAlgorithm)
	}
}

func TestLoad_MissingFileWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alchemist.yaml")

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Settings.ConcurrentJobs != Default().ConcurrentJobs {
		t.Errorf("expected default settings, got %+v", f.Settings)
	}

	// The file should now exist and round-trip.
	f2, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if f2.Settings.OutputCodec != f.Settings.OutputCodec {
		t.Errorf("expected settings to round-trip, got %+v", f2.Settings)
	}
}

func TestSave_RoundTripsScheduleWindows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alchemist.yaml")

	f := &File{
		Settings: Default(),
		ScheduleWindows: []ScheduleWindow{
			{ID: 1, StartHour: 1, EndHour: 6, Enabled: true, Days: []int{1, 2, 3}},
		},
	}
	if err := f.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.ScheduleWindows) != 1 || loaded.ScheduleWindows[0].StartHour != 1 {
		t.Errorf("expected schedule window to round-trip, got %+v", loaded.ScheduleWindows)
	}
}

func TestApplyDefaults_FixesInvalidFields(t *testing.T) {
	s := Settings{TonemapAlgorithm: "not-a-real-algorithm"}
	s.applyDefaults()

	if s.ConcurrentJobs != 1 {
		t.Errorf("expected ConcurrentJobs fixed to 1, got %d", s.ConcurrentJobs)
	}
	if s.TonemapAlgorithm != DefaultTonemapAlgorithm {
		t.Errorf("expected invalid tonemap algorithm replaced with default, got %q", s.TonemapAlgorithm)
	}
	if s.OutputCodec != OutputCodecAV1 {
		t.Errorf("expected default output codec, got %q", s.OutputCodec)
	}
}

func TestGetTempDir_FallsBackToSourceDir(t *testing.T) {
	s := Settings{}
	if got := s.GetTempDir("/media/movies/a.mkv"); got != "/media/movies" {
		t.Errorf("expected /media/movies, got %q", got)
	}

	s.TempPath = "/tmp/encode"
	if got := s.GetTempDir("/media/movies/a.mkv"); got != "/tmp/encode" {
		t.Errorf("expected configured temp path, got %q", got)
	}
}
