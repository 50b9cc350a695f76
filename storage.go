package cbt

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("object not found")

// ObjectWriter writes one object. Close commits it. Abort discards what was
// written and leaves any earlier object of the same name in place.
type ObjectWriter interface {
	io.WriteCloser
	Abort(err error) error
}

// Storage holds the objects produced by a run: block data, bitmaps and
// manifests. Names are slash separated.
type Storage interface {
	// Create returns a writer for name. The object becomes visible when
	// the writer is closed.
	Create(ctx context.Context, name string) (ObjectWriter, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remove(ctx context.Context, name string) error

	// List returns the names of all objects under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

type LocalStorage struct {
	Dir string
}

var _ Storage = (*LocalStorage)(nil)

func (l *LocalStorage) path(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", errors.Errorf("invalid object name %q", name)
	}

	return filepath.Join(l.Dir, filepath.FromSlash(clean)), nil
}

type localWriter struct {
	*os.File
	final string
	done  bool
}

func (w *localWriter) Close() error {
	if w.done {
		return nil
	}

	w.done = true

	if err := w.File.Close(); err != nil {
		os.Remove(w.File.Name())
		return err
	}

	return os.Rename(w.File.Name(), w.final)
}

func (w *localWriter) Abort(error) error {
	if w.done {
		return nil
	}

	w.done = true

	w.File.Close()

	return os.Remove(w.File.Name())
}

func (l *LocalStorage) Create(ctx context.Context, name string) (ObjectWriter, error) {
	path, err := l.path(name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", name)
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", name)
	}

	return &localWriter{File: f, final: path}, nil
}

func (l *LocalStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := l.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "opening %s", name)
		}

		return nil, err
	}

	return f, nil
}

func (l *LocalStorage) Remove(ctx context.Context, name string) error {
	path, err := l.path(name)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(ErrNotFound, "removing %s", name)
	}

	return err
}

func (l *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	err := filepath.WalkDir(l.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}

		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(l.Dir, path)
		if err != nil {
			return err
		}

		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", l.Dir)
	}

	sort.Strings(names)

	return names, nil
}
