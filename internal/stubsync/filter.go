// Package stubsync walks a remote subtree, diffs it against the persisted
// stub records, and reconciles the local stub files to match.
package stubsync

import (
	"path"
	"strings"

	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
)

// VideoExts are the extensions kept when a task includes video.
var VideoExts = extSet(
	".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".webm", ".m4v",
	".mpg", ".mpeg", ".ts", ".m2ts", ".rm", ".rmvb", ".vob", ".iso", ".3gp",
)

// AudioExts are the extensions kept when a task includes audio.
var AudioExts = extSet(
	".mp3", ".flac", ".aac", ".wav", ".ogg", ".wma", ".m4a", ".ape", ".opus", ".dsf",
)

// sidecarExts are companion files copied byte-for-byte next to stubs.
var sidecarExts = extSet(".nfo", ".srt", ".ass", ".sub", ".ssa", ".idx", ".vtt", ".sup")

// artworkExts are image files that qualify as sidecars only when their
// stem matches one of the artwork names.
var artworkExts = extSet(".jpg", ".jpeg", ".png")

// artworkStems are matched case-insensitively as substrings of the image
// stem, so "movie-poster.jpg" and "Poster01.png" both qualify.
var artworkStems = []string{
	"poster", "fanart", "banner", "thumb", "logo",
	"clearart", "landscape", "disc", "folder", "backdrop",
}

// Predicate decides whether a remote file becomes a stub.
type Predicate struct {
	custom map[string]bool
	video  bool
	audio  bool
}

// NewPredicate compiles a task filter. A non-empty custom extension set
// overrides the video/audio flags entirely.
func NewPredicate(f store.Filter) Predicate {
	p := Predicate{video: f.IncludeVideo, audio: f.IncludeAudio}

	if len(f.CustomExtensions) > 0 {
		p.custom = make(map[string]bool, len(f.CustomExtensions))
		for _, ext := range f.CustomExtensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}

			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}

			p.custom[ext] = true
		}
	}

	return p
}

// Keep reports whether the item passes the filter. Folders never do; they
// are traversed, not stubbed.
func (p Predicate) Keep(item *upstream.Item) bool {
	if item.IsFolder {
		return false
	}

	ext := item.Ext()

	if p.custom != nil {
		return p.custom[ext]
	}

	return (p.video && VideoExts[ext]) || (p.audio && AudioExts[ext])
}

// IsSidecar reports whether a filename qualifies for sidecar copying:
// subtitle/metadata extensions always, image extensions only with an
// artwork stem.
func IsSidecar(name string) bool {
	ext := strings.ToLower(path.Ext(name))

	if sidecarExts[ext] {
		return true
	}

	if !artworkExts[ext] {
		return false
	}

	stem := strings.ToLower(strings.TrimSuffix(name, path.Ext(name)))
	for _, want := range artworkStems {
		if strings.Contains(stem, want) {
			return true
		}
	}

	return false
}

func extSet(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}

	return m
}
