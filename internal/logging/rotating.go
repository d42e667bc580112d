package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// RotatingFile appends log lines to a file and moves it to "<path>.O" once
// it would grow past maxSize. Only one backup is kept.
type RotatingFile struct {
	fs      afero.Fs
	path    string
	maxSize int64
	mu      sync.Mutex
	mode    targetMode
}

type targetMode int

const (
	targetFile targetMode = iota
	targetStderr
	targetStdout
	targetDiscard
)

func NewRotatingFile(path string, maxSize int64) *RotatingFile {
	return newRotatingFile(afero.NewOsFs(), path, maxSize)
}

func newRotatingFile(fs afero.Fs, path string, maxSize int64) *RotatingFile {
	r := &RotatingFile{fs: fs, path: strings.TrimSpace(path), maxSize: maxSize}
	switch strings.ToLower(r.path) {
	case "", "none", "off":
		r.mode = targetDiscard
	case "stderr", "-":
		r.mode = targetStderr
	case "stdout":
		r.mode = targetStdout
	default:
		r.mode = targetFile
	}
	return r
}

func (r *RotatingFile) Enabled() bool {
	return r != nil && r.mode != targetDiscard
}

func (r *RotatingFile) WriteLine(line string) error {
	if r == nil {
		return nil
	}
	_, err := r.Write([]byte(strings.TrimRight(line, "\n") + "\n"))
	return err
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	if r == nil {
		return len(p), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.mode {
	case targetDiscard:
		return len(p), nil
	case targetStderr:
		return os.Stderr.Write(p)
	case targetStdout:
		return os.Stdout.Write(p)
	}
	if dir := filepath.Dir(r.path); dir != "" && dir != "." {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	if err := r.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	f, err := r.fs.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Write(p)
}

func (r *RotatingFile) rotate(next int64) error {
	if r.maxSize <= 0 {
		return nil
	}
	info, err := r.fs.Stat(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size()+next <= r.maxSize {
		return nil
	}
	backup := r.path + ".O"
	_ = r.fs.Remove(backup)
	if err := r.fs.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var _ io.Writer = (*RotatingFile)(nil)
