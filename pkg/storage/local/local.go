// Package local implements storage.Backend against a local filesystem
// directory, ported from the teacher's pkg/storage/local.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mifka01/cache-server/pkg/storage"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	otelPackageName = "github.com/mifka01/cache-server/pkg/storage/local"
)

var (
	// ErrPathMustBeAbsolute is returned if the given path to New is not absolute.
	ErrPathMustBeAbsolute = errors.New("path must be absolute")

	// ErrPathMustExist is returned if the given path to New does not exist.
	ErrPathMustExist = errors.New("path must exist")

	// ErrPathMustBeADirectory is returned if the given path to New is not a directory.
	ErrPathMustBeADirectory = errors.New("path must be a directory")

	// ErrPathMustBeWritable is returned if the given path to New is not writable.
	ErrPathMustBeWritable = errors.New("path must be writable")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Backend implements storage.Backend against a directory of the local
// filesystem.
type Backend struct {
	name              string
	path              string
	freshnessWindow   time.Duration
	fullnessThreshold float64
}

// New validates path and returns a filesystem-backed Backend named name.
func New(ctx context.Context, name, path string) (*Backend, error) {
	if err := validatePath(ctx, path); err != nil {
		return nil, err
	}

	b := &Backend{
		name:              name,
		path:              path,
		freshnessWindow:   storage.DefaultFreshnessWindow,
		fullnessThreshold: storage.DefaultFullnessThreshold,
	}

	if err := os.MkdirAll(b.tmpPath(), dirMode); err != nil {
		return nil, fmt.Errorf("error creating the tmp directory: %w", err)
	}

	return b, nil
}

// SetFreshnessWindow overrides the default IsNewFile window.
func (b *Backend) SetFreshnessWindow(d time.Duration) { b.freshnessWindow = d }

// SetFullnessThreshold overrides the default IsFull threshold.
func (b *Backend) SetFullnessThreshold(t float64) { b.fullnessThreshold = t }

func (b *Backend) Name() string { return b.name }

func (b *Backend) NewFile(ctx context.Context, path string, data io.Reader) error {
	filePath, err := b.sanitizePath(path)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "local.NewFile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	if data == nil {
		data = strings.NewReader("")
	}

	_, err = b.writeFile(filePath, data)

	return err
}

func (b *Backend) Save(ctx context.Context, path string, data io.Reader) (int64, error) {
	filePath, err := b.sanitizePath(path)
	if err != nil {
		return 0, err
	}

	_, span := tracer.Start(ctx, "local.Save",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	return b.writeFile(filePath, data)
}

func (b *Backend) writeFile(filePath string, data io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), dirMode); err != nil {
		return 0, fmt.Errorf("error creating the directories for %q: %w", filePath, err)
	}

	f, err := os.CreateTemp(b.tmpPath(), filepath.Base(filePath)+"-*")
	if err != nil {
		return 0, fmt.Errorf("error creating the temporary file: %w", err)
	}

	written, err := io.Copy(f, data)
	if err != nil {
		f.Close()
		os.Remove(f.Name())

		return 0, fmt.Errorf("error writing to the temporary file: %w", err)
	}

	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("error closing the temporary file: %w", err)
	}

	if err := os.Rename(f.Name(), filePath); err != nil {
		return 0, fmt.Errorf("error moving the file to %q: %w", filePath, err)
	}

	return written, os.Chmod(filePath, fileMode)
}

func (b *Backend) Read(ctx context.Context, path string) (int64, io.ReadCloser, error) {
	filePath, err := b.sanitizePath(path)
	if err != nil {
		return 0, nil, err
	}

	_, span := tracer.Start(ctx, "local.Read",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, storage.ErrNotFound
		}

		return 0, nil, fmt.Errorf("error stat'ing %q: %w", filePath, err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, nil, fmt.Errorf("error opening %q: %w", filePath, err)
	}

	return info.Size(), f, nil
}

func (b *Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	oldFilePath, err := b.sanitizePath(oldPath)
	if err != nil {
		return err
	}

	newFilePath, err := b.sanitizePath(newPath)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "local.Rename",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("old_path", oldPath),
			attribute.String("new_path", newPath),
		),
	)
	defer span.End()

	if _, err := os.Stat(oldFilePath); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}

		return fmt.Errorf("error stat'ing %q: %w", oldFilePath, err)
	}

	if _, err := os.Stat(newFilePath); err == nil {
		return storage.ErrAlreadyExists
	}

	if err := os.MkdirAll(filepath.Dir(newFilePath), dirMode); err != nil {
		return fmt.Errorf("error creating the directories for %q: %w", newFilePath, err)
	}

	if err := os.Rename(oldFilePath, newFilePath); err != nil {
		return fmt.Errorf("error renaming %q to %q: %w", oldFilePath, newFilePath, err)
	}

	return nil
}

func (b *Backend) Remove(ctx context.Context, path string) error {
	filePath, err := b.sanitizePath(path)
	if err != nil {
		return err
	}

	_, span := tracer.Start(ctx, "local.Remove",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}

		return fmt.Errorf("error removing %q: %w", filePath, err)
	}

	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	_, span := tracer.Start(ctx, "local.List", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var names []string

	err := filepath.WalkDir(b.storePath(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || strings.HasPrefix(p, b.tmpPath()) {
			return nil
		}

		rel, err := filepath.Rel(b.storePath(), p)
		if err != nil {
			return err
		}

		names = append(names, rel)

		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("error listing %q: %w", b.storePath(), err)
	}

	return names, nil
}

func (b *Backend) Find(ctx context.Context, name string, strict bool) (string, error) {
	names, err := b.List(ctx)
	if err != nil {
		return "", err
	}

	for _, n := range names {
		base := filepath.Base(n)

		if strict && base == name {
			return n, nil
		}

		if !strict && strings.Contains(base, name) {
			return n, nil
		}
	}

	return "", storage.ErrNotFound
}

func (b *Backend) CreationTime(ctx context.Context, path string) (time.Time, error) {
	filePath, err := b.sanitizePath(path)
	if err != nil {
		return time.Time{}, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, storage.ErrNotFound
		}

		return time.Time{}, fmt.Errorf("error stat'ing %q: %w", filePath, err)
	}

	return info.ModTime().UTC(), nil
}

func (b *Backend) IsNewFile(ctx context.Context, path string) (bool, error) {
	ct, err := b.CreationTime(ctx, path)
	if err != nil {
		return false, err
	}

	return time.Since(ct) < b.freshnessWindow, nil
}

func (b *Backend) AvailableSpace(ctx context.Context) (uint64, error) {
	var stat syscall.Statfs_t

	if err := syscall.Statfs(b.path, &stat); err != nil {
		return 0, fmt.Errorf("error stat'ing filesystem at %q: %w", b.path, err)
	}

	return stat.Bavail * uint64(stat.Bsize), nil //nolint:unconvert
}

func (b *Backend) UsedSpace(ctx context.Context) (uint64, error) {
	var total uint64

	err := filepath.WalkDir(b.storePath(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		total += uint64(info.Size()) //nolint:gosec

		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("error walking %q: %w", b.storePath(), err)
	}

	return total, nil
}

func (b *Backend) IsFull(ctx context.Context) (bool, error) {
	used, err := b.UsedSpace(ctx)
	if err != nil {
		return false, err
	}

	avail, err := b.AvailableSpace(ctx)
	if err != nil {
		return false, err
	}

	total := used + avail
	if total == 0 {
		return false, nil
	}

	return float64(used)/float64(total) >= b.fullnessThreshold, nil
}

func (b *Backend) storePath() string { return filepath.Join(b.path, "store") }
func (b *Backend) tmpPath() string   { return filepath.Join(b.path, "tmp") }

func (b *Backend) sanitizePath(path string) (string, error) {
	relativePath := strings.TrimPrefix(path, "/")
	filePath := filepath.Join(b.storePath(), relativePath)

	if !strings.HasPrefix(filePath, b.storePath()) {
		return "", storage.ErrNotFound
	}

	return filePath, nil
}

func validatePath(ctx context.Context, path string) error {
	log := zerolog.Ctx(ctx)

	if !filepath.IsAbs(path) {
		log.Error().Str("path", path).Msg("path is not absolute")

		return ErrPathMustBeAbsolute
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Error().Str("path", path).Msg("path does not exist")

		return ErrPathMustExist
	}

	if !info.IsDir() {
		log.Error().Str("path", path).Msg("path is not a directory")

		return ErrPathMustBeADirectory
	}

	if !isWritable(ctx, path) {
		return ErrPathMustBeWritable
	}

	return nil
}

func isWritable(ctx context.Context, path string) bool {
	log := zerolog.Ctx(ctx)

	tmpFile, err := os.CreateTemp(path, "write_test")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("error writing a temp file in the path")

		return false
	}

	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	return true
}

var _ storage.Backend = (*Backend)(nil)
