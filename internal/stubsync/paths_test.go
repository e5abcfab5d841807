package stubsync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/unicode/norm"
)

func TestStubPath(t *testing.T) {
	tests := []struct {
		name     string
		relPath  string
		fileName string
		preserve bool
		want     string
	}{
		{"flat", "shows/s01/e01.mkv", "e01.mkv", false, "e01.strm"},
		{"preserved layout", "shows/s01/e01.mkv", "e01.mkv", true,
			filepath.Join("shows", "s01", "e01.strm")},
		{"preserve without rel falls back to name", "", "e01.mkv", true, "e01.strm"},
		{"multi-dot name", "", "movie.2024.mkv", false, "movie.2024.strm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StubPath("/out", tt.relPath, tt.fileName, tt.preserve)
			assert.Equal(t, filepath.Join("/out", tt.want), got)
		})
	}
}

func TestStubPath_NFCNormalized(t *testing.T) {
	// "é" in decomposed form (e + combining accent).
	decomposed := norm.NFD.String("café.mkv")

	got := StubPath("/out", "", decomposed, false)
	assert.Equal(t, filepath.Join("/out", "café.strm"), got)
}

func TestSidecarPath(t *testing.T) {
	got := SidecarPath("/out", "shows/s01/poster.jpg", "poster.jpg", true)
	assert.Equal(t, filepath.Join("/out", "shows", "s01", "poster.jpg"), got)

	got = SidecarPath("/out", "shows/s01/poster.jpg", "poster.jpg", false)
	assert.Equal(t, filepath.Join("/out", "poster.jpg"), got)
}

func TestStubContents(t *testing.T) {
	assert.Equal(t, "http://localhost:8115/stream/pick1",
		StubContents("http://localhost:8115", "open", "pick1"))

	// Trailing slash on the base never doubles.
	assert.Equal(t, "http://localhost:8115/stream/pick1",
		StubContents("http://localhost:8115/", "open", "pick1"))

	assert.Equal(t, "stream://open/pick1", StubContents("", "open", "pick1"))
}
