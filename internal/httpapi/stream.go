package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleStream is the public playback entry: pick handle in, 302 to a
// signed URL out. The gateway never serves the bytes itself.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	pickHandle := chi.URLParam(r, "pickHandle")
	if pickHandle == "" {
		badRequest(w, "missing pick handle")
		return
	}

	url, err := s.resolveURL(r, pickHandle)
	if err != nil {
		writeError(w, err)
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// handleDownload returns the signed URL as JSON instead of redirecting,
// for clients that manage the fetch themselves.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	pickHandle := chi.URLParam(r, "pickHandle")
	if pickHandle == "" {
		badRequest(w, "missing pick handle")
		return
	}

	url, err := s.resolveURL(r, pickHandle)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// resolveURL looks up the signed URL through the cache. A drive_id query
// parameter selects the drive; without one the current drive serves the
// request. The requester's user agent travels with the resolution because
// signed URLs are bound to it upstream.
func (s *Server) resolveURL(r *http.Request, pickHandle string) (string, error) {
	ctx := r.Context()

	entry, drive, err := s.driveEntry(ctx, r.URL.Query().Get("drive_id"))
	if err != nil {
		return "", err
	}

	userAgent := r.UserAgent()
	if userAgent == "" {
		userAgent = s.opts.UserAgent
	}

	url, err := s.cache.Get(ctx, entry.Client, entry.Credential, pickHandle, userAgent)
	if err != nil {
		s.pool.HandleUnauth(drive.DriveID, err)
		return "", err
	}

	return url, nil
}
