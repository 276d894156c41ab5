package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// byteStore is random-access storage a byte-stream source reads from.
type byteStore interface {
	Size() int64
	// Open returns a sequential reader starting at off.
	Open(ctx context.Context, off int64) (io.ReadCloser, error)
	Close() error
}

type fileStore struct {
	path string
	size int64
}

func openFileStore(path string) (*fileStore, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return &fileStore{path: path, size: fi.Size()}, nil
}

func (s *fileStore) Size() int64 { return s.size }

func (s *fileStore) Open(_ context.Context, off int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("source: seek %s: %w", s.path, err)
	}
	return f, nil
}

func (s *fileStore) Close() error { return nil }

// partStores presents consecutive files (such as the VOB files of one DVD
// title set) as one stream.
type partStores struct {
	parts []byteStore
	size  int64
}

func newPartStores(parts []byteStore) *partStores {
	p := &partStores{parts: parts}
	for _, s := range parts {
		p.size += s.Size()
	}
	return p
}

func (p *partStores) Size() int64 { return p.size }

func (p *partStores) Open(ctx context.Context, off int64) (io.ReadCloser, error) {
	i := 0
	for i < len(p.parts) && off >= p.parts[i].Size() {
		off -= p.parts[i].Size()
		i++
	}
	return &partReader{ctx: ctx, parts: p.parts[i:], off: off}, nil
}

func (p *partStores) Close() error {
	var errs []error
	for _, s := range p.parts {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// partReader opens each part only when the previous one is exhausted.
type partReader struct {
	ctx   context.Context
	parts []byteStore
	off   int64
	cur   io.ReadCloser
}

func (r *partReader) Read(b []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.parts) == 0 {
				return 0, io.EOF
			}
			rc, err := r.parts[0].Open(r.ctx, r.off)
			if err != nil {
				return 0, err
			}
			r.cur, r.parts, r.off = rc, r.parts[1:], 0
		}
		n, err := r.cur.Read(b)
		if errors.Is(err, io.EOF) {
			r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partReader) Close() error {
	if r.cur != nil {
		return r.cur.Close()
	}
	return nil
}

// mediaExts are the file extensions collected from a directory source.
var mediaExts = []string{".vob", ".ts", ".m2ts", ".mts", ".mpg", ".mpeg"}

// openDirStore opens every media file in dir, in name order, as one stream.
// DVD menus (VTS_xx_0.VOB) are skipped.
func openDirStore(dir string) (byteStore, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("source: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !slices.Contains(mediaExts, strings.ToLower(filepath.Ext(name))) {
			continue
		}
		if strings.HasSuffix(strings.ToUpper(name), "_0.VOB") {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("source: no media files in %s", dir)
	}
	slices.Sort(names)

	parts := make([]byteStore, 0, len(names))
	for _, n := range names {
		s, err := openFileStore(filepath.Join(dir, n))
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, s)
	}
	return newPartStores(parts), names, nil
}
