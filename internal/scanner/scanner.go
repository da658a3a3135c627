// Package scanner walks a directory tree looking for video files and
// registers them with the Store as jobs. Grounded on the teacher's
// internal/browse.Browser: WalkDir to skip stat calls on non-video entries,
// singleflight to dedupe concurrent scans of the same path, and the same
// video-extension allowlist. Unlike the teacher's Browser (which serves an
// interactive file-picker UI), Scanner's only output is Store.UpsertJob rows
// — it has no caching concerns of its own.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/logger"
	"github.com/alchemist-sh/alchemist/internal/store"
)

var videoExtensions = []string{
	".mkv", ".mp4", ".avi", ".mov", ".wmv", ".flv",
	".webm", ".m4v", ".mpeg", ".mpg", ".m2ts", ".ts",
}

// IsVideoFile reports whether path's extension is one the engine scans.
func IsVideoFile(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range videoExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Scanner walks one or more root directories, upserting a job for every
// video file it finds. A single Scanner may be reused across scans; its
// singleflight group only dedupes scans that overlap in time.
type Scanner struct {
	Store store.Store

	group singleflight.Group
}

// New builds a Scanner.
func New(s store.Store) *Scanner {
	return &Scanner{Store: s}
}

// Result summarizes one scan pass.
type Result struct {
	FilesFound   int
	JobsUpserted int
	Errors       []error
}

// Scan walks root, computing each video file's output path from settings and
// calling Store.UpsertJob with an mtime-based fingerprint so an unchanged
// file is a no-op on the next scan (spec §4.1's upsert_job contract).
// Concurrent scans of the same root are deduplicated; the second caller
// waits for and receives the first's result rather than walking twice.
func (s *Scanner) Scan(ctx context.Context, root string, settings config.Settings) (Result, error) {
	v, err, _ := s.group.Do(root, func() (interface{}, error) {
		return s.scan(ctx, root, settings)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Scanner) scan(ctx context.Context, root string, settings config.Settings) (Result, error) {
	var result Result

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			result.Errors = append(result.Errors, err)
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsVideoFile(d.Name()) {
			return nil
		}

		result.FilesFound++

		info, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, err)
			return nil
		}

		outputPath := outputPathFor(path, settings)
		fingerprint := fingerprintFor(info)

		if err := s.Store.UpsertJob(ctx, path, outputPath, fingerprint); err != nil {
			logger.Warn("failed to upsert job during scan", "path", path, "error", err)
			result.Errors = append(result.Errors, err)
			return nil
		}
		result.JobsUpserted++
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// outputPathFor derives the destination path for a source file: same
// directory and basename, with the configured suffix and extension applied.
// An empty extension/suffix reuses the source's own, matching the teacher's
// in-place-with-suffix convention.
func outputPathFor(sourcePath string, settings config.Settings) string {
	dir := filepath.Dir(sourcePath)
	ext := filepath.Ext(sourcePath)
	base := strings.TrimSuffix(filepath.Base(sourcePath), ext)

	outExt := settings.OutputExtension
	if outExt == "" {
		outExt = ext
	}
	return filepath.Join(dir, base+settings.OutputSuffix+outExt)
}

// fingerprintFor produces the cheap "has this file changed" signature the
// Store compares against on every scan: size plus mtime, not a content hash,
// matching the teacher's browse.go preference for stat-only comparisons over
// expensive full reads.
func fingerprintFor(info os.FileInfo) string {
	return info.ModTime().UTC().Format("20060102T150405.000000000") + "_" + strconv.FormatInt(info.Size(), 10)
}
