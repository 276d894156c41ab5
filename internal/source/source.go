// Package source provides the inputs the reader pulls chunks from: local
// files and directories, Google Cloud Storage objects, SRT caller
// connections and in-memory elementary stream sources.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
)

// ErrSeekUnsupported is returned by sources that cannot reposition, such as
// live network streams.
var ErrSeekUnsupported = errors.New("source: seek not supported")

// Source yields raw chunks for the reader. ReadChunk returns io.EOF once the
// input is exhausted.
type Source interface {
	ReadChunk(ctx context.Context) (*media.Chunk, error)
	// Chapter is the chapter of the most recently read chunk, 0 when the
	// source has no chapter table.
	Chapter() int
	Seek(ctx context.Context, to SeekTarget) error
	// Progress is the fraction of the input consumed, or 0 when unknown.
	Progress() float64
	// Kind selects the demultiplexer for this source's chunks.
	Kind() demux.Kind
	// PacketSize is the transport stream packet size, 0 for other kinds.
	PacketSize() int
	Close() error
}

// SeekTarget selects a position by exactly one of its fields.
type SeekTarget struct {
	// Fraction of the input size, in [0, 1).
	Fraction float64
	// Chapter number, 1-based. Zero means unset.
	Chapter int
	// Timestamp is a 90 kHz offset from the start of the input, or
	// media.NoTimestamp.
	Timestamp int64
}

// AtFraction returns a target at fraction f of the input.
func AtFraction(f float64) SeekTarget {
	return SeekTarget{Fraction: f, Timestamp: media.NoTimestamp}
}

// AtChapter returns a target at the start of chapter n.
func AtChapter(n int) SeekTarget {
	return SeekTarget{Chapter: n, Timestamp: media.NoTimestamp}
}

// AtTimestamp returns a target ts (90 kHz) after the start of the input.
func AtTimestamp(ts int64) SeekTarget {
	return SeekTarget{Timestamp: ts}
}

// Options configures Open.
type Options struct {
	Log *slog.Logger
	// Kind forces the demultiplexer kind instead of probing the data.
	Kind *demux.Kind
	// Chapters holds the byte offset at which each chapter starts;
	// Chapters[0] is chapter 1.
	Chapters []int64
	// ChunkSize is the read size for byte-stream sources.
	ChunkSize int
}

// Open opens uri. Supported forms are a file or directory path (optionally
// file://), gs://bucket/object (a trailing slash selects every object
// under the prefix) and srt://host:port?streamid=id.
func Open(ctx context.Context, uri string, opts Options) (Source, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 { // Windows drive letters
		return openPath(ctx, uri, opts)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return openPath(ctx, u.Path, opts)
	case "gs":
		return openGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), opts)
	case "srt":
		return DialSRT(ctx, u.Host, u.Query().Get("streamid"), opts)
	}
	return nil, fmt.Errorf("source: unsupported scheme %q", u.Scheme)
}

func openPath(ctx context.Context, path string, opts Options) (Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	var store byteStore
	if fi.IsDir() {
		s, names, err := openDirStore(path)
		if err != nil {
			return nil, err
		}
		opts.Log.Info("opened directory", "path", path, "parts", len(names))
		store = s
	} else {
		s, err := openFileStore(path)
		if err != nil {
			return nil, err
		}
		store = s
	}
	src, err := newStreamSource(ctx, store, path, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return src, nil
}
