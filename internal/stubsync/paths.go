package stubsync

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// StubExt is the extension of generated stub files.
const StubExt = ".strm"

// PlaceholderScheme forms stub contents when a task has no base URL, so
// the file is still a well-formed one-line URL.
const PlaceholderScheme = "stream"

// StubPath builds the local stub path for a remote file. With
// preserveLayout the remote relative path is mirrored under outputDir;
// otherwise the file lands flat in outputDir. Either way the media
// extension is replaced with .strm and the name is NFC-normalized so
// paths compare stably across platforms and upstream encodings.
func StubPath(outputDir, relPath, fileName string, preserveLayout bool) string {
	rel := fileName
	if preserveLayout && relPath != "" {
		rel = relPath
	}

	rel = norm.NFC.String(rel)
	rel = strings.TrimSuffix(rel, filepath.Ext(rel)) + StubExt

	return filepath.Join(outputDir, filepath.FromSlash(rel))
}

// SidecarPath builds the local path for a sidecar download. Unlike stubs
// the original extension is kept.
func SidecarPath(outputDir, relPath, fileName string, preserveLayout bool) string {
	rel := fileName
	if preserveLayout && relPath != "" {
		rel = relPath
	}

	return filepath.Join(outputDir, filepath.FromSlash(norm.NFC.String(rel)))
}

// StubContents builds the one-line stub body. With a base URL the line is
// {base}/stream/{pick_handle}; otherwise the canonical placeholder scheme
// stream://{kind}/{pick_handle} keeps the file well-formed.
func StubContents(baseURL, kind, pickHandle string) string {
	if baseURL == "" {
		return PlaceholderScheme + "://" + kind + "/" + pickHandle
	}

	return strings.TrimRight(baseURL, "/") + "/stream/" + pickHandle
}
