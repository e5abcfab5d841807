package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/strmgate/strmgate/internal/upstream"
)

// itemView is the JSON rendering of one remote item.
type itemView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsFolder   bool   `json:"is_folder"`
	Size       int64  `json:"size"`
	ParentID   string `json:"parent_id"`
	ModifiedAt string `json:"modified_at,omitempty"`
	PickHandle string `json:"pick_handle,omitempty"`
	SHA1       string `json:"sha1,omitempty"`
}

func itemViews(items []upstream.Item) []itemView {
	out := make([]itemView, len(items))

	for i, item := range items {
		out[i] = itemView{
			ID:         item.ID,
			Name:       item.Name,
			IsFolder:   item.IsFolder,
			Size:       item.Size,
			ParentID:   item.ParentID,
			PickHandle: item.PickHandle,
			SHA1:       item.SHA1,
		}

		if !item.ModifiedAt.IsZero() {
			out[i].ModifiedAt = item.ModifiedAt.UTC().Format(time.RFC3339)
		}
	}

	return out
}

// handleList browses the children of one remote folder.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	folderID := r.URL.Query().Get("cid")
	if folderID == "" {
		folderID = "0"
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 0)

	entry, drive, err := s.currentEntry(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	items, total, err := entry.Client.ListChildren(ctx, entry.Credential, folderID, offset, limit)
	if err != nil {
		s.pool.HandleUnauth(drive.DriveID, err)
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": itemViews(items),
		"total": total,
	})
}

// handleSearch runs a keyword search under the current drive.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		badRequest(w, "missing keyword")
		return
	}

	folderID := r.URL.Query().Get("cid")
	if folderID == "" {
		folderID = "0"
	}

	limit := queryInt(r, "limit", 0)

	entry, drive, err := s.currentEntry(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	items, err := entry.Client.Search(ctx, entry.Credential, folderID, keyword, limit)
	if err != nil {
		s.pool.HandleUnauth(drive.DriveID, err)
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": itemViews(items)})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}

	return n
}
