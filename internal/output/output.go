// Package output opens the destination a muxed container is written to: a
// local file or a Google Cloud Storage object.
package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// Sink receives container bytes. Close commits the output; Abort discards
// whatever was written. Exactly one of them should be called.
type Sink interface {
	Write(p []byte) (int, error)
	Close() error
	Abort() error
	// Name is the destination URI.
	Name() string
}

// Open creates the sink for uri: a file path (optionally file://) or
// gs://bucket/object.
func Open(ctx context.Context, uri string) (Sink, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return createFile(uri)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return createFile(u.Path)
	case "gs":
		return createGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	}
	return nil, fmt.Errorf("output: unsupported scheme %q", u.Scheme)
}

// ContentType returns the MIME type for a container file name.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp4", ".m4v", ".m4s":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}

type fileSink struct {
	f    *os.File
	w    *bufio.Writer
	name string
}

func createFile(name string) (*fileSink, error) {
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("output: %w", err)
		}
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	return &fileSink{f: f, w: bufio.NewWriterSize(f, 1<<20), name: name}, nil
}

func (s *fileSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *fileSink) Name() string { return s.name }

func (s *fileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return fmt.Errorf("output: flush %s: %w", s.name, err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("output: close %s: %w", s.name, err)
	}
	return nil
}

func (s *fileSink) Abort() error {
	return errors.Join(s.f.Close(), os.Remove(s.name))
}

type gcsSink struct {
	client *storage.Client
	w      *storage.Writer
	cancel context.CancelFunc
	name   string
}

func createGCS(ctx context.Context, bucket, object string) (*gcsSink, error) {
	if bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return nil, fmt.Errorf("output: gs URI needs a bucket and object name")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("output: create GCS client: %w", err)
	}
	// Cancelling the writer's context abandons the upload.
	wctx, cancel := context.WithCancel(ctx)
	w := client.Bucket(bucket).Object(object).NewWriter(wctx)
	w.ContentType = ContentType(object)
	return &gcsSink{client: client, w: w, cancel: cancel, name: "gs://" + bucket + "/" + object}, nil
}

func (s *gcsSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *gcsSink) Name() string { return s.name }

func (s *gcsSink) Close() error {
	defer s.cancel()
	err := s.w.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("output: commit %s: %w", s.name, err)
	}
	return nil
}

func (s *gcsSink) Abort() error {
	s.cancel()
	s.w.Close()
	return s.client.Close()
}
