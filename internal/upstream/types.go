package upstream

import (
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"
)

// Item is the normalized view of a remote file or folder. It is a value
// object produced by the client and consumed everywhere; it is never
// persisted as-is (stub records snapshot the fields they need).
type Item struct {
	ID         string
	Name       string
	IsFolder   bool
	Size       int64
	ParentID   string
	ModifiedAt time.Time

	// PickHandle is the opaque string that resolves to a signed download
	// URL. Distinct from ID; empty for folders.
	PickHandle string

	// SHA1 is the content hash when the upstream provides one.
	SHA1 string
}

// Ext returns the item's lowercase filename extension including the dot,
// or "" for folders and extension-less names.
func (it *Item) Ext() string {
	if it.IsFolder {
		return ""
	}

	return strings.ToLower(path.Ext(it.Name))
}

// Event is one entry from the upstream's polled change feed. IDs are
// monotonic integers; TypeCode selects the behaviour category.
type Event struct {
	ID         int64
	TypeCode   int
	FileID     string
	FileName   string
	ParentID   string
	IsFolder   bool
	PickHandle string
	HappenedAt time.Time
}

// Event type codes. The sync-triggering set causes a task re-sync; the
// ignored set is dropped by the watcher without advancing any state other
// than the cursor.
const (
	EventUpload      = 1
	EventReceive     = 2
	EventNewFolder   = 3
	EventCopy        = 4
	EventMove        = 5
	EventRename      = 6
	EventDelete      = 7
	EventImageStar   = 8
	EventFileStar    = 9
	EventBrowseImage = 10
	EventBrowseVideo = 11
	EventBrowseAudio = 12
	EventBrowseDoc   = 13
	EventFolderLabel = 14
)

// SyncTriggerTypes is the set of event type codes that should trigger a
// task re-sync when observed under a watched subtree.
var SyncTriggerTypes = map[int]bool{
	EventUpload:    true,
	EventMove:      true,
	EventReceive:   true,
	EventNewFolder: true,
	EventCopy:      true,
	EventRename:    true,
	EventDelete:    true,
}

// itemResponse mirrors the upstream's file JSON exactly. Unexported —
// callers use Item via toItem() normalization. The API encodes booleans as
// 0/1 integers and timestamps as unix seconds in strings or numbers, so
// the flexible fields use json.Number-tolerant types.
type itemResponse struct {
	FileID     string  `json:"file_id"`
	FileName   string  `json:"file_name"`
	IsDir      flexInt `json:"is_dir"`
	FileSize   flexInt `json:"file_size"`
	ParentID   string  `json:"parent_id"`
	PickCode   string  `json:"pick_code"`
	SHA1       string  `json:"sha1"`
	UpdateTime flexInt `json:"update_time"`
}

// toItem normalizes an upstream file response into our Item type.
func (r *itemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:         r.FileID,
		Name:       r.FileName,
		IsFolder:   r.IsDir == 1,
		Size:       int64(r.FileSize),
		ParentID:   r.ParentID,
		PickHandle: r.PickCode,
		SHA1:       strings.ToLower(r.SHA1),
	}

	if r.UpdateTime > 0 {
		item.ModifiedAt = time.Unix(int64(r.UpdateTime), 0).UTC()
	} else {
		logger.Debug("item missing update_time, using current time",
			slog.String("file_id", r.FileID),
		)

		item.ModifiedAt = time.Now().UTC()
	}

	return item
}

// eventResponse mirrors the upstream's event JSON exactly.
type eventResponse struct {
	ID       flexInt `json:"id"`
	Type     flexInt `json:"type"`
	FileID   string  `json:"file_id"`
	FileName string  `json:"file_name"`
	ParentID string  `json:"parent_id"`
	IsDir    flexInt `json:"is_dir"`
	PickCode string  `json:"pick_code"`
	Time     flexInt `json:"update_time"`
}

func (r *eventResponse) toEvent() Event {
	ev := Event{
		ID:         int64(r.ID),
		TypeCode:   int(r.Type),
		FileID:     r.FileID,
		FileName:   r.FileName,
		ParentID:   r.ParentID,
		IsFolder:   r.IsDir == 1,
		PickHandle: r.PickCode,
	}

	if r.Time > 0 {
		ev.HappenedAt = time.Unix(int64(r.Time), 0).UTC()
	}

	return ev
}

// flexInt decodes JSON values that the upstream serves inconsistently as
// either a number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}

	*f = flexInt(n)

	return nil
}
