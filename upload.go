package main

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// UploadStore persists form uploads on local disk
type UploadStore struct {
	Dir string
	Log waLog.Logger

	now func() time.Time
}

func NewUploadStore(dir string, logger waLog.Logger) *UploadStore {
	if logger == nil {
		logger = waLog.Noop
	}
	return &UploadStore{Dir: dir, Log: logger, now: time.Now}
}

// FileName builds the stored name: <epoch-millis>_<original base name>
func (s *UploadStore) FileName(original string) string {
	return strconv.FormatInt(s.now().UnixMilli(), 10) + "_" + filepath.Base(original)
}

// Save writes the uploaded file into the store directory and returns the generated name
func (s *UploadStore) Save(fh *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	name := s.FileName(fh.Filename)
	dst, err := os.Create(s.Path(name))
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to write upload file: %w", err)
	}

	s.Log.Debugf("Stored upload %s (%d bytes)", name, fh.Size)
	return name, nil
}

func (s *UploadStore) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Prune removes uploads last modified before the cutoff and returns how many were removed
func (s *UploadStore) Prune(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list uploads: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(s.Path(entry.Name())); err != nil && !os.IsNotExist(err) {
			s.Log.Warnf("Failed to remove upload %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// RunJanitor prunes uploads older than retention every interval until ctx is done.
// A zero retention keeps uploads forever.
func (s *UploadStore) RunJanitor(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = retention
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(s.now().Add(-retention))
			if err != nil {
				s.Log.Errorf("Upload cleanup failed: %v", err)
			} else if n > 0 {
				s.Log.Infof("Removed %d expired uploads", n)
			}
		}
	}
}
