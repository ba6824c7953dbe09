// Size-based log file rotation
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RotationConfig configures a RotatingFileWriter.
type RotationConfig struct {
	// Filename is the path of the active log file. Rotated files sit
	// next to it with a timestamp inserted before the extension.
	Filename string

	// MaxSize is the rotation threshold in megabytes. Zero means 10.
	MaxSize int

	// MaxBackups is how many rotated files to keep. Zero means 5.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// RotatingFileWriter is an io.Writer that rotates the file when a write
// would push it past the size limit. Safe for concurrent use.
type RotatingFileWriter struct {
	mu       sync.Mutex
	filename string
	maxSize  int64
	backups  int
	compress bool

	file *os.File
	size int64
}

// NewRotatingFileWriter opens (or creates) the log file and returns a
// writer that rotates it.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log rotation: filename is required")
	}
	w := &RotatingFileWriter{
		filename: config.Filename,
		maxSize:  int64(config.MaxSize) * 1024 * 1024,
		backups:  config.MaxBackups,
		compress: config.Compress,
	}
	if w.maxSize <= 0 {
		w.maxSize = 10 * 1024 * 1024
	}
	if w.backups <= 0 {
		w.backups = 5
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("log rotation: create directory: %w", err)
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log rotation: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log rotation: stat: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer, rotating first when the write would
// exceed the size limit.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("log rotation: close: %w", err)
	}
	rotated := backupName(w.filename, time.Now())
	if err := os.Rename(w.filename, rotated); err != nil {
		w.open()
		return fmt.Errorf("log rotation: rename: %w", err)
	}
	go w.sweep(rotated)
	return w.open()
}

// sweep compresses the freshly rotated file and prunes the oldest
// backups past the retention limit. Runs off the write path; errors
// here only cost disk space.
func (w *RotatingFileWriter) sweep(rotated string) {
	if w.compress {
		gzipFile(rotated)
	}
	old, err := listBackups(w.filename)
	if err != nil {
		return
	}
	for len(old) > w.backups {
		os.Remove(old[0])
		old = old[1:]
	}
}

func gzipFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(dst)
	_, err = io.Copy(gz, src)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// backupName inserts a timestamp before the extension:
// plotter.log -> plotter.20260806-142500.log
func backupName(filename string, now time.Time) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s.%s%s", base, now.Format("20060102-150405"), ext)
}

// listBackups returns the rotated siblings of filename, oldest first.
// The timestamp in the name orders them, so no stat calls are needed.
func listBackups(filename string) ([]string, error) {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if name == base || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ext)
		stamp = strings.TrimPrefix(stamp, prefix)
		if isTimestamp(stamp) {
			backups = append(backups, filepath.Join(dir, name))
		}
	}
	sort.Strings(backups)
	return backups, nil
}

// isTimestamp matches the YYYYMMDD-HHMMSS backup stamp.
func isTimestamp(s string) bool {
	if len(s) != 15 || s[8] != '-' {
		return false
	}
	_, err1 := strconv.Atoi(s[:8])
	_, err2 := strconv.Atoi(s[9:])
	return err1 == nil && err2 == nil
}

// Close closes the active log file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// Sync flushes the active log file to disk.
func (w *RotatingFileWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// CurrentSize returns the size of the active log file.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// NewFileLogger creates a logger writing to a rotating file, with
// colors off. The writer is returned so callers can Close it.
func NewFileLogger(prefix string, config RotationConfig) (*Logger, *RotatingFileWriter, error) {
	writer, err := NewRotatingFileWriter(config)
	if err != nil {
		return nil, nil, err
	}
	logger := New(prefix)
	logger.SetWriter(writer)
	logger.SetColorize(false)
	return logger, writer, nil
}
