// Package upload stages multipart file uploads in a scratch directory until
// they have been forwarded, and removes them afterwards.
package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"wagate/internal/domain"
)

const (
	defaultMaxFileBytes = 20 * 1024 * 1024
	defaultMaxFiles     = 10
	defaultFieldName    = "file[]"
	maxValueBytes       = 64 * 1024
	maxStoredNameLen    = 96
)

// File is an uploaded attachment persisted to the scratch directory.
type File struct {
	OriginalName string
	StoredPath   string
	SizeBytes    int64
	ContentType  string

	released bool
}

// Batch holds everything staged from one multipart request.
type Batch struct {
	Files  []*File
	Values map[string]string
}

// Value returns a form field value, or "" when absent.
func (b *Batch) Value(name string) string {
	if b == nil || b.Values == nil {
		return ""
	}
	return b.Values[name]
}

// Config configures a Stager.
type Config struct {
	Dir          string
	MaxFileBytes int64
	MaxFiles     int
	FieldName    string // multipart field carrying files (default: "file[]")
	Logger       *slog.Logger
}

// Stager writes uploaded files to a scratch directory.
type Stager struct {
	dir          string
	maxFileBytes int64
	maxFiles     int
	fieldName    string
	logger       *slog.Logger
	now          func() time.Time
	create       func(path string) (io.WriteCloser, error)
}

// NewStager creates the scratch directory (idempotently) and returns a Stager.
func NewStager(cfg Config) (*Stager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	if cfg.FieldName == "" {
		cfg.FieldName = defaultFieldName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stager{
		dir:          cfg.Dir,
		maxFileBytes: cfg.MaxFileBytes,
		maxFiles:     cfg.MaxFiles,
		fieldName:    cfg.FieldName,
		logger:       cfg.Logger,
		now:          time.Now,
		create:       createExclusive,
	}, nil
}

// Dir returns the scratch directory.
func (s *Stager) Dir() string { return s.dir }

// MaxFileBytes returns the per-file size ceiling.
func (s *Stager) MaxFileBytes() int64 { return s.maxFileBytes }

// Stage streams the multipart body of r part by part. File parts are written
// to disk; oversized files are rejected as soon as the ceiling is crossed.
// On error every file staged so far is released.
func (s *Stager) Stage(r *http.Request) (*Batch, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	batch := &Batch{Values: make(map[string]string)}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.ReleaseAll(batch.Files)
			return nil, fmt.Errorf("%w: read multipart: %v", domain.ErrInvalidRequest, err)
		}

		if part.FileName() == "" {
			err = s.readValue(part, batch)
		} else if part.FormName() == s.fieldName {
			var f *File
			f, err = s.stagePart(part, len(batch.Files))
			if f != nil {
				batch.Files = append(batch.Files, f)
			}
		}
		// Unread parts are drained by the next NextPart call. Closing here
		// would drain an oversized file too.
		if err != nil {
			s.ReleaseAll(batch.Files)
			return nil, err
		}
	}

	return batch, nil
}

func (s *Stager) readValue(part *multipart.Part, batch *Batch) error {
	data, err := io.ReadAll(io.LimitReader(part, maxValueBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read field %s: %v", domain.ErrInvalidRequest, part.FormName(), err)
	}
	if len(data) > maxValueBytes {
		return fmt.Errorf("%w: field %s exceeds %d bytes", domain.ErrInvalidRequest, part.FormName(), maxValueBytes)
	}
	batch.Values[part.FormName()] = string(data)
	return nil
}

func (s *Stager) stagePart(part *multipart.Part, staged int) (*File, error) {
	if staged >= s.maxFiles {
		return nil, fmt.Errorf("%w: max %d per request", domain.ErrTooManyFiles, s.maxFiles)
	}

	original := part.FileName()
	path := filepath.Join(s.dir, s.storedName(original))

	f, err := s.create(path)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	out := &diskWriter{w: f}

	written, err := io.Copy(out, io.LimitReader(part, s.maxFileBytes+1))
	closeErr := f.Close()
	switch {
	case out.err != nil:
		s.remove(path)
		return nil, fmt.Errorf("write staged file: %w", out.err)
	case err != nil:
		// The client's body broke off or was not valid multipart.
		s.remove(path)
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrInvalidRequest, original, err)
	case closeErr != nil:
		s.remove(path)
		return nil, fmt.Errorf("close staged file: %w", closeErr)
	}
	if written > s.maxFileBytes {
		s.remove(path)
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", domain.ErrPayloadTooLarge, original, s.maxFileBytes)
	}

	s.logger.Debug("file staged", "name", original, "path", path, "size", written)
	return &File{
		OriginalName: original,
		StoredPath:   path,
		SizeBytes:    written,
		ContentType:  part.Header.Get("Content-Type"),
	}, nil
}

func createExclusive(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
}

// diskWriter remembers write failures so they can be told apart from
// failures reading the request body.
type diskWriter struct {
	w   io.Writer
	err error
}

func (d *diskWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil && d.err == nil {
		d.err = err
	}
	return n, err
}

// storedName builds a collision-resistant file name that keeps the original
// extension for content sniffing downstream.
func (s *Stager) storedName(original string) string {
	name := sanitizeName(original)
	return fmt.Sprintf("%d-%s-%s", s.now().UnixMilli(), uuid.NewString(), name)
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = "upload"
	}
	if len(out) > maxStoredNameLen {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxStoredNameLen-len(ext)] + ext
	}
	return out
}

// Release deletes a staged file. Failures are logged, not returned.
// Releasing a file twice is a no-op.
func (s *Stager) Release(f *File) {
	if f == nil || f.released {
		return
	}
	f.released = true
	s.remove(f.StoredPath)
}

// ReleaseAll releases every file that has not been released yet.
func (s *Stager) ReleaseAll(files []*File) {
	for _, f := range files {
		s.Release(f)
	}
}

func (s *Stager) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove staged file", "path", path, "err", err)
	}
}

// Sweep removes regular files in the scratch directory last modified more
// than olderThan ago and returns how many were removed.
func (s *Stager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to sweep staged file", "path", path, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept leftover uploads", "dir", s.dir, "removed", removed)
	}
	return removed, nil
}
