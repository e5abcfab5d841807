package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/store"
)

// driveView is the JSON rendering of one drive.
type driveView struct {
	DriveID    string `json:"drive_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	IsCurrent  bool   `json:"is_current"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

func toDriveView(d *store.Drive) driveView {
	v := driveView{
		DriveID:   d.DriveID,
		Name:      d.Name,
		Kind:      d.Kind,
		IsCurrent: d.IsCurrent,
		CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339),
	}

	if !d.LastUsedAt.IsZero() {
		v.LastUsedAt = d.LastUsedAt.UTC().Format(time.RFC3339)
	}

	return v
}

func (s *Server) handleListDrives(w http.ResponseWriter, r *http.Request) {
	drives, err := s.store.ListDrives(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]driveView, len(drives))
	for i := range drives {
		views[i] = toDriveView(&drives[i])
	}

	writeJSON(w, http.StatusOK, map[string]any{"drives": views})
}

func (s *Server) handleCreateDrive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	if body.Name == "" {
		badRequest(w, "missing name")
		return
	}

	if body.Kind == "" {
		body.Kind = credfile.KindOpen
	}

	if body.Kind != credfile.KindOpen && body.Kind != credfile.KindWeb {
		badRequest(w, "kind must be open or web")
		return
	}

	drive := &store.Drive{
		DriveID: store.NewDriveID(body.Kind),
		Name:    body.Name,
		Kind:    body.Kind,
	}
	drive.CredentialRef = drive.DriveID + ".json"

	if err := s.store.CreateDrive(r.Context(), drive); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toDriveView(drive))
}

func (s *Server) handleGetDrive(w http.ResponseWriter, r *http.Request) {
	drive, err := s.store.GetDrive(r.Context(), chi.URLParam(r, "driveID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toDriveView(drive))
}

// handleDeleteDrive removes a drive, its credential, and its pool entry.
// Tasks and their records cascade in the store.
func (s *Server) handleDeleteDrive(w http.ResponseWriter, r *http.Request) {
	driveID := chi.URLParam(r, "driveID")

	tasks, err := s.store.ListTasks(r.Context(), driveID)
	if err != nil {
		writeError(w, err)
		return
	}

	for i := range tasks {
		s.scheduler.Unregister(tasks[i].TaskID)
		s.watcher.Stop(tasks[i].TaskID)
	}

	if err := s.store.DeleteDrive(r.Context(), driveID); err != nil {
		writeError(w, err)
		return
	}

	if err := s.pool.Invalidate(driveID); err != nil {
		s.logger.Warn("failed to remove credential for deleted drive",
			slog.String("drive_id", driveID),
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": driveID})
}

func (s *Server) handleSetCurrentDrive(w http.ResponseWriter, r *http.Request) {
	driveID := chi.URLParam(r, "driveID")

	if err := s.store.SetCurrentDrive(r.Context(), driveID); err != nil {
		writeError(w, err)
		return
	}

	drive, err := s.store.GetDrive(r.Context(), driveID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toDriveView(drive))
}
