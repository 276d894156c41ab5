package output

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSink(t *testing.T) {
	t.Parallel()
	name := filepath.Join(t.TempDir(), "nested", "out.mp4")
	s, err := Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != name {
		t.Errorf("Name: got %q, want %q", s.Name(), name)
	}
	if _, err := s.Write([]byte("ftyp")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ftyp" {
		t.Errorf("got %q, want %q", got, "ftyp")
	}
}

func TestFileSink_URIAndAbort(t *testing.T) {
	t.Parallel()
	name := filepath.Join(t.TempDir(), "out.webm")
	s, err := Open(context.Background(), "file://"+name)
	if err != nil {
		t.Fatal(err)
	}
	s.Write([]byte("partial"))
	if err := s.Abort(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("aborted output still present: %v", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	t.Parallel()
	for _, uri := range []string{"ftp://host/out.mp4", "gs://bucket/", "gs:///object.mp4"} {
		if _, err := Open(context.Background(), uri); err == nil {
			t.Errorf("%s: expected error", uri)
		}
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"a.mp4":     "video/mp4",
		"a.WEBM":    "video/webm",
		"dir/a.mkv": "video/x-matroska",
		"a.bin":     "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
}
