package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/strmgate/strmgate/internal/watcher"
)

// sessionView is the JSON rendering of a login session.
type sessionView struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	QRCodeURL string `json:"qrcode_url"`
	State     string `json:"state"`
	DriveID   string `json:"drive_id,omitempty"`
	Message   string `json:"message,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

// handleAuthBegin opens a QR login session.
func (s *Server) handleAuthBegin(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")

	sess, err := s.flow.Begin(r.Context(), kind)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionView{
		SessionID: sess.ID,
		Kind:      sess.Kind,
		QRCodeURL: sess.QRPayload,
		State:     sess.State,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleAuthStatus polls a login session.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		badRequest(w, "missing session_id")
		return
	}

	sess, err := s.flow.Poll(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionView{
		SessionID: sess.ID,
		Kind:      sess.Kind,
		State:     sess.State,
		DriveID:   sess.DriveID,
		Message:   sess.Message,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleAuthExchange completes a confirmed login and binds the credential.
func (s *Server) handleAuthExchange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
		DriveID   string `json:"drive_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	if body.SessionID == "" {
		badRequest(w, "missing session_id")
		return
	}

	driveID, err := s.flow.Exchange(r.Context(), body.SessionID, body.DriveID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.reviveWatchers(r, driveID)

	writeJSON(w, http.StatusOK, map[string]string{"drive_id": driveID})
}

// reviveWatchers restarts watch loops on the drive that ended on a
// rejected credential; the fresh login makes their polls viable again.
func (s *Server) reviveWatchers(r *http.Request, driveID string) {
	tasks, err := s.store.ListTasks(r.Context(), driveID)
	if err != nil {
		s.logger.Warn("failed to list tasks after login",
			slog.String("drive_id", driveID),
			slog.String("error", err.Error()),
		)

		return
	}

	for i := range tasks {
		if s.watcher.StatusOf(tasks[i].TaskID).State == watcher.StateFailed {
			s.watcher.Start(s.baseCtx(), &tasks[i])
		}
	}
}
