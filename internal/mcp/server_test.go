package mcp

import "testing"

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name         string
		origin       string
		isProduction bool
		want         bool
	}{
		{"dev localhost http", "http://localhost:3000", false, true},
		{"dev localhost https", "https://localhost:5173", false, true},
		{"dev other host rejected", "http://evil.example.com", false, false},
		{"prod exact match", "http://localhost:8081", true, true},
		{"prod wrong port rejected", "http://localhost:3000", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isOriginAllowed(tt.origin, tt.isProduction); got != tt.want {
				t.Errorf("isOriginAllowed(%q, %v) = %v, want %v", tt.origin, tt.isProduction, got, tt.want)
			}
		})
	}
}

func TestGenerateStreamID(t *testing.T) {
	a := generateStreamID()
	b := generateStreamID()
	if a == b {
		t.Fatal("expected distinct stream ids")
	}
	if len(a) < len("stream_") {
		t.Errorf("unexpected stream id format: %q", a)
	}
}
