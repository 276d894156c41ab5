package main

import "testing"

func TestJobKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"/media/movie.ts", "movie"},
		{"gs://bucket/disc/VIDEO_TS/", "VIDEO_TS"},
		{"srt://10.0.0.1:6000?streamid=feed", "feed"},
		{"/", "job"},
		{".hidden", ".hidden"},
	}
	for _, tt := range tests {
		if got := jobKey(tt.in); got != tt.want {
			t.Errorf("jobKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("REEL_TEST_KEY", "set")
	if got := envOr("REEL_TEST_KEY", "fallback"); got != "set" {
		t.Errorf("got %q, want %q", got, "set")
	}
	if got := envOr("REEL_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}
