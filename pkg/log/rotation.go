// Log file rotation for long-running serve sessions
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the active log file.
	Filename string

	// MaxBytes is the size that triggers rotation. Default 4 MiB.
	MaxBytes int64

	// Backups is how many rotated files are kept (name.1 newest). Default 3.
	Backups int

	// Compress gzips rotated files (name.N.gz).
	Compress bool
}

// RotatingFileWriter is an io.Writer that shifts the active file to
// numbered backups once it grows past MaxBytes.
type RotatingFileWriter struct {
	mu   sync.Mutex
	cfg  RotationConfig
	file *os.File
	size int64
}

// NewRotatingFileWriter opens (or creates) the log file in append mode.
func NewRotatingFileWriter(cfg RotationConfig) (*RotatingFileWriter, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 4 << 20
	}
	if cfg.Backups <= 0 {
		cfg.Backups = 3
	}
	w := &RotatingFileWriter{cfg: cfg}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.Filename), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.cfg.MaxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// backupName returns the path of backup n, with the .gz suffix when compressing.
func (w *RotatingFileWriter) backupName(n int) string {
	name := w.cfg.Filename + "." + strconv.Itoa(n)
	if w.cfg.Compress {
		name += ".gz"
	}
	return name
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	os.Remove(w.backupName(w.cfg.Backups))
	for n := w.cfg.Backups - 1; n >= 1; n-- {
		src := w.backupName(n)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, w.backupName(n+1))
		}
	}
	first := w.cfg.Filename + ".1"
	if err := os.Rename(w.cfg.Filename, first); err != nil {
		w.open()
		return fmt.Errorf("rename log file: %w", err)
	}
	if w.cfg.Compress {
		if err := gzipFile(first); err != nil {
			w.open()
			return err
		}
	}
	return w.open()
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}

// Backups lists existing rotated files, newest first.
func (w *RotatingFileWriter) Backups() []string {
	var out []string
	for n := 1; n <= w.cfg.Backups; n++ {
		name := w.backupName(n)
		if _, err := os.Stat(name); err == nil {
			out = append(out, name)
		}
	}
	return out
}

// Size returns the active file size.
func (w *RotatingFileWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the active file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// AttachFile tees the logger's output to a rotating file. Colour is
// disabled since the escape codes would end up in the file.
func AttachFile(l *Logger, console io.Writer, cfg RotationConfig) (*RotatingFileWriter, error) {
	fw, err := NewRotatingFileWriter(cfg)
	if err != nil {
		return nil, err
	}
	if console == nil {
		l.SetWriter(fw)
	} else {
		l.SetWriter(io.MultiWriter(console, fw))
	}
	l.SetColorize(false)
	return fw, nil
}
