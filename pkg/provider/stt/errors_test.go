package stt

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorClass
	}{
		{"rate limited", 429, `{"err":"slow down"}`, ClassTransient},
		{"server error", 500, `{"err":"boom"}`, ClassTransient},
		{"bad gateway", 502, "", ClassTransient},
		{"forbidden", 403, `{"err":"denied"}`, ClassEdgeBlocked},
		{"html challenge page", 400, "<!DOCTYPE html><html>Checking your browser</html>", ClassEdgeBlocked},
		{"cloudflare attention page", 400, "  <html><title>Attention Required! | Cloudflare</title>", ClassEdgeBlocked},
		{"bad request", 400, `{"err":"unsupported codec"}`, ClassFatal},
		{"unauthorized", 401, `{"err":"bad key"}`, ClassFatal},
		{"payload too large", 413, "", ClassFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.status, []byte(tc.body)); got != tc.want {
				t.Errorf("Classify(%d, %q) = %v, want %v", tc.status, tc.body, got, tc.want)
			}
		})
	}
}

func TestErrorClassString(t *testing.T) {
	if ClassTransient.String() != "transient" ||
		ClassEdgeBlocked.String() != "edge_blocked" ||
		ClassFatal.String() != "fatal" {
		t.Error("class names do not match their metric labels")
	}
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError("deepgram", ClassTransient, 0, "request failed", cause)
	if got, want := err.Error(), "deepgram: request failed (transient)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap lost the cause")
	}

	err = NewError("elevenlabs", ClassFatal, 400, "transcription failed", nil)
	if got, want := err.Error(), "elevenlabs: transcription failed (fatal, status 400)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
