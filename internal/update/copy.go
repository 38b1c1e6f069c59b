package update

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	copyAttempts  = 3
	copyRetryWait = 5 * time.Second
)

// CopyStats counts the outcome of one tree merge.
type CopyStats struct {
	Copied  int
	Skipped int
}

// MergeTree recursively merges src into dst. With smart enabled, a file is
// skipped when the destination already has an equal-or-newer modification
// time and equal length; the comparison deliberately uses no content hash.
// Each file copy is retried on I/O contention. The version sidecar is never
// merged; each location keeps its own.
func MergeTree(ctx context.Context, src, dst string, smart bool) (CopyStats, error) {
	var stats CopyStats

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if d.Name() == VersionFileName {
			return nil
		}

		srcInfo, err := d.Info()
		if err != nil {
			return err
		}

		if smart && upToDate(target, srcInfo) {
			stats.Skipped++
			return nil
		}

		if err := copyFileWithRetry(path, target, srcInfo); err != nil {
			return fmt.Errorf("failed to copy %s: %w", rel, err)
		}
		stats.Copied++
		return nil
	})

	return stats, err
}

// upToDate reports whether the destination file already matches the source
// by modification time and length.
func upToDate(target string, srcInfo fs.FileInfo) bool {
	dstInfo, err := os.Stat(target)
	if err != nil {
		return false
	}
	return !dstInfo.ModTime().Before(srcInfo.ModTime()) && dstInfo.Size() == srcInfo.Size()
}

func copyFileWithRetry(src, dst string, srcInfo fs.FileInfo) error {
	var lastErr error
	for attempt := 1; attempt <= copyAttempts; attempt++ {
		if err := copyFile(src, dst, srcInfo); err != nil {
			lastErr = err
			log.Printf("[Copy] Attempt %d/%d failed for %s: %v", attempt, copyAttempts, filepath.Base(dst), err)
			if attempt < copyAttempts {
				time.Sleep(copyRetryWait)
			}
			continue
		}
		return nil
	}
	return lastErr
}

func copyFile(src, dst string, srcInfo fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// Preserve the source's modification time so smart-copy comparisons
	// stay stable across runs.
	return os.Chtimes(dst, time.Now(), srcInfo.ModTime())
}
