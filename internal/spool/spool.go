package spool

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrTooLarge is returned when a document exceeds the spool size limit.
var ErrTooLarge = errors.New("spool: document too large")

// Spool stores received documents under Dir and generated print files
// under Dir/out.
type Spool struct {
	Fs      afero.Fs
	Dir     string
	MaxSize int64
}

func New(dir string, maxSize int64) *Spool {
	return &Spool{Fs: afero.NewOsFs(), Dir: dir, MaxSize: maxSize}
}

func (s *Spool) outDir() string {
	return filepath.Join(s.Dir, "out")
}

func (s *Spool) Ensure() error {
	if err := s.Fs.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	return s.Fs.MkdirAll(s.outDir(), 0o755)
}

// Save copies r into a new spool file and returns its path and size.
// A partial file is removed when the copy fails.
func (s *Spool) Save(jobID int64, fileName string, r io.Reader) (string, int64, error) {
	if err := s.Ensure(); err != nil {
		return "", 0, err
	}
	base := fmt.Sprintf("job-%d-%d", jobID, time.Now().UnixNano())
	if fileName != "" {
		base = base + "-" + sanitizeFileName(fileName)
	}
	path := filepath.Join(s.Dir, base)
	f, err := s.Fs.Create(path)
	if err != nil {
		return "", 0, err
	}
	src := r
	if s.MaxSize > 0 {
		src = io.LimitReader(r, s.MaxSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.MaxSize > 0 && n > s.MaxSize {
		err = ErrTooLarge
	}
	if err != nil {
		_ = s.Fs.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

// OutputPath names the file submitted for one chunk of a proxy print job.
// Every call returns a new name, so prints of the same inbox job held in
// different tickets never share a file.
func (s *Spool) OutputPath(jobID int64, chunk int) string {
	return filepath.Join(s.outDir(), fmt.Sprintf("printout-%d-%d-%s.pdf", jobID, chunk, uuid.NewString()))
}

// Copy duplicates src into dst.
func (s *Spool) Copy(src, dst string) error {
	in, err := s.Fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := s.Fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := s.Fs.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.Fs.Remove(dst)
	}
	return err
}

func (s *Spool) Open(path string) (io.ReadCloser, error) {
	return s.Fs.Open(path)
}

func (s *Spool) Remove(path string) error {
	if path == "" {
		return nil
	}
	return s.Fs.Remove(path)
}

func sanitizeFileName(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|' {
			continue
		}
		clean = append(clean, r)
	}
	if len(clean) == 0 {
		return "document"
	}
	return string(clean)
}
