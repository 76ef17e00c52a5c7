package filetransfer

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// NormalizeFilename applies Unicode NFC normalization to filename before it
// touches the filesystem, so two visually identical names that differ only in
// combining-character form (or a deliberately crafted lookalike) resolve to
// the same on-disk path instead of silently creating a sibling file.
func NormalizeFilename(filename string) string {
	return norm.NFC.String(filename)
}

// PartPath returns the on-disk partial-transfer path for filename under
// destination: "<destination>/<filename>.part" (spec §3's file-transfer
// record). Resume position is derived from this file's size divided by the
// chunk size, so no separate sidecar metadata file is kept.
func PartPath(destination, filename string) string {
	return filepath.Join(destination, NormalizeFilename(filename)+".part")
}

// ExistingChunks reports how many whole chunks of chunkSize already sit in
// the partial file for filename, or 0 if none exists.
func ExistingChunks(destination, filename string, chunkSize uint32) (uint64, error) {
	if chunkSize == 0 {
		return 0, fmt.Errorf("chunk size must be positive")
	}
	fi, err := os.Stat(PartPath(destination, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat partial file: %w", err)
	}
	return uint64(fi.Size()) / uint64(chunkSize), nil
}

// OpenPartForWrite creates (or truncates) the partial file for a fresh
// transfer.
func OpenPartForWrite(destination, filename string) (*os.File, error) {
	if err := os.MkdirAll(destination, 0755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}
	return os.OpenFile(PartPath(destination, filename), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// OpenPartForResume opens an existing partial file positioned for appending
// at the resume offset.
func OpenPartForResume(destination, filename string) (*os.File, error) {
	f, err := os.OpenFile(PartPath(destination, filename), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open partial file for resume: %w", err)
	}
	return f, nil
}

// FinalizePart fsyncs and renames the partial file to its final name.
func FinalizePart(destination, filename string) error {
	partPath := PartPath(destination, filename)
	f, err := os.OpenFile(partPath, os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open partial file to sync: %w", err)
	}
	syncErr := f.Sync()
	closeErr := f.Close()
	if syncErr != nil {
		return fmt.Errorf("fsync partial file: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close partial file: %w", closeErr)
	}
	return os.Rename(partPath, filepath.Join(destination, NormalizeFilename(filename)))
}

// RemovePart discards a partial file, used when a transfer aborts.
func RemovePart(destination, filename string) error {
	err := os.Remove(PartPath(destination, filename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
