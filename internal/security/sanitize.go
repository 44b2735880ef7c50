// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SecureDeletePasses is the number of overwrite passes: zeros, ones, random.
const SecureDeletePasses = 3

// DataSanitizer overwrites files before removing them.
type DataSanitizer struct {
	mu sync.Mutex
}

// NewDataSanitizer creates a new data sanitizer.
func NewDataSanitizer() *DataSanitizer {
	return &DataSanitizer{}
}

// SecureDeleteFile overwrites path three times (0x00, 0xFF, random) and
// removes it.
func (d *DataSanitizer) SecureDeleteFile(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return errors.New("cannot secure delete directory, use SecureDeleteDirectory")
	}
	size := info.Size()

	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open file for overwrite: %w", err)
	}
	defer file.Close()

	if err := overwriteFile(file, size, 0x00); err != nil {
		return fmt.Errorf("pass 1 (zeros) failed: %w", err)
	}
	if err := overwriteFile(file, size, 0xFF); err != nil {
		return fmt.Errorf("pass 2 (ones) failed: %w", err)
	}
	if err := overwriteFileRandom(file, size); err != nil {
		return fmt.Errorf("pass 3 (random) failed: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// SecureDeleteDirectory securely deletes every file under path, then the
// emptied directories. A missing directory is not an error.
func (d *DataSanitizer) SecureDeleteDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	var errs []error
	err = filepath.WalkDir(path, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if err := d.SecureDeleteFile(filePath); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", filePath, err))
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	removeEmptyDirs(path)

	if len(errs) > 0 {
		return fmt.Errorf("secure delete completed with %d errors: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// clearBytes zeros data.
func clearBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func overwriteFile(file *os.File, size int64, pattern byte) error {
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}

	bufSize := int64(64 * 1024)
	buf := make([]byte, bufSize)
	for i := range buf {
		buf[i] = pattern
	}

	written := int64(0)
	for written < size {
		toWrite := min(bufSize, size-written)
		n, err := file.Write(buf[:toWrite])
		if err != nil {
			return err
		}
		written += int64(n)
	}
	return nil
}

func overwriteFileRandom(file *os.File, size int64) error {
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}

	bufSize := int64(64 * 1024)
	buf := make([]byte, bufSize)

	written := int64(0)
	for written < size {
		toWrite := min(bufSize, size-written)
		if _, err := rand.Read(buf[:toWrite]); err != nil {
			return err
		}
		n, err := file.Write(buf[:toWrite])
		if err != nil {
			return err
		}
		written += int64(n)
	}
	return nil
}

// removeEmptyDirs removes empty directories bottom-up, path included.
func removeEmptyDirs(path string) {
	var dirs []string
	_ = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err == nil && entry.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
}
