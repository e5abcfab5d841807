// Package testutil provides a fake cloud-drive API server for tests. It
// speaks the open API envelope protocol over httptest and holds an
// in-memory tree of folders and files that tests mutate between calls.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Item is one entry in the fake remote tree.
type Item struct {
	FileID     string
	FileName   string
	IsDir      bool
	Size       int64
	ParentID   string
	PickCode   string
	SHA1       string
	UpdateTime int64
}

// Event is one entry in the fake change feed.
type Event struct {
	ID       int64
	Type     int
	FileID   string
	FileName string
	ParentID string
	IsDir    bool
	PickCode string
}

// FakeUpstream is an in-memory stand-in for the cloud drive's open API.
type FakeUpstream struct {
	Server *httptest.Server

	mu     sync.Mutex
	items  map[string]Item
	order  []string
	events []Event

	// Unauth makes every authenticated endpoint fail with a token-expired
	// code until cleared.
	Unauth bool

	// FailStatus, when nonzero, makes every call answer with that bare
	// HTTP status (for 429/500 classification tests).
	FailStatus int

	// QRState drives the qrcode endpoints: the status endpoint reports it
	// verbatim (0 not scanned, 1 scanned, 2 confirmed, -2 expired).
	QRState int

	// Calls counts requests per path.
	Calls map[string]int
}

// NewFakeUpstream starts the fake server. Callers must Close it.
func NewFakeUpstream() *FakeUpstream {
	f := &FakeUpstream{
		items: make(map[string]Item),
		Calls: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/open/ufile/files", f.handleList)
	mux.HandleFunc("/open/folder/get_info", f.handleGetInfo)
	mux.HandleFunc("/open/ufile/search", f.handleSearch)
	mux.HandleFunc("/open/ufile/downurl", f.handleDownURL)
	mux.HandleFunc("/open/events", f.handleEvents)
	mux.HandleFunc("/open/qrcode/device", f.handleQRDevice)
	mux.HandleFunc("/open/qrcode/status", f.handleQRStatus)
	mux.HandleFunc("/open/qrcode/exchange", f.handleQRExchange)
	mux.HandleFunc("/open/token/refresh", f.handleTokenRefresh)
	mux.HandleFunc("/signed/", f.handleSigned)

	f.Server = httptest.NewServer(f.gate(mux))

	return f
}

// Close shuts the server down.
func (f *FakeUpstream) Close() {
	f.Server.Close()
}

// URL returns the fake's base URL.
func (f *FakeUpstream) URL() string {
	return f.Server.URL
}

// AddItem inserts or replaces one item in the tree.
func (f *FakeUpstream) AddItem(item Item) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.items[item.FileID]; !exists {
		f.order = append(f.order, item.FileID)
	}

	if item.UpdateTime == 0 {
		item.UpdateTime = 1700000000
	}

	f.items[item.FileID] = item
}

// RemoveItem deletes one item from the tree.
func (f *FakeUpstream) RemoveItem(fileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, fileID)

	for i, id := range f.order {
		if id == fileID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// AddEvent appends one event to the change feed.
func (f *FakeUpstream) AddEvent(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, ev)
}

// CallCount returns how many requests hit a path.
func (f *FakeUpstream) CallCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.Calls[path]
}

// gate counts calls and applies the global failure switches before
// dispatching to the real handlers.
func (f *FakeUpstream) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.Calls[r.URL.Path]++
		failStatus := f.FailStatus
		unauth := f.Unauth
		f.mu.Unlock()

		if failStatus != 0 {
			w.WriteHeader(failStatus)
			return
		}

		if unauth && !strings.HasPrefix(r.URL.Path, "/open/qrcode") &&
			!strings.HasPrefix(r.URL.Path, "/signed/") {
			writeEnvelope(w, false, 40140125, "access token expired", nil, 0, 0)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (f *FakeUpstream) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cid := q.Get("cid")
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	f.mu.Lock()
	var children []Item

	for _, id := range f.order {
		if item := f.items[id]; item.ParentID == cid {
			children = append(children, item)
		}
	}
	f.mu.Unlock()

	total := len(children)

	if offset > total {
		offset = total
	}

	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	writeEnvelope(w, true, 0, "", itemRows(children[offset:end]), total, 0)
}

func (f *FakeUpstream) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("file_id")

	f.mu.Lock()
	item, ok := f.items[fileID]
	f.mu.Unlock()

	if !ok {
		writeEnvelope(w, false, 40402001, "file not found", nil, 0, 0)
		return
	}

	writeEnvelope(w, true, 0, "", itemRow(item), 0, 0)
}

func (f *FakeUpstream) handleSearch(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("search_value")

	f.mu.Lock()
	var matches []Item

	for _, id := range f.order {
		if item := f.items[id]; strings.Contains(item.FileName, keyword) {
			matches = append(matches, item)
		}
	}
	f.mu.Unlock()

	writeEnvelope(w, true, 0, "", itemRows(matches), len(matches), 0)
}

func (f *FakeUpstream) handleDownURL(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeEnvelope(w, false, 40210005, "bad form", nil, 0, 0)
		return
	}

	pick := r.PostForm.Get("pick_code")

	f.mu.Lock()
	var found *Item

	for _, id := range f.order {
		if item := f.items[id]; item.PickCode == pick {
			found = &item
			break
		}
	}
	f.mu.Unlock()

	if found == nil {
		writeEnvelope(w, false, 40210005, "invalid pick code", nil, 0, 0)
		return
	}

	payload := map[string]any{
		found.FileID: map[string]any{
			"url":     map[string]any{"url": f.Server.URL + "/signed/" + pick},
			"expires": 4102444800,
		},
	}

	writeEnvelope(w, true, 0, "", payload, 0, 0)
}

func (f *FakeUpstream) handleEvents(w http.ResponseWriter, r *http.Request) {
	lastID, _ := strconv.ParseInt(r.URL.Query().Get("last_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	f.mu.Lock()
	var rows []map[string]any
	var maxID int64

	for _, ev := range f.events {
		if ev.ID <= lastID {
			continue
		}

		rows = append(rows, map[string]any{
			"id":        ev.ID,
			"type":      ev.Type,
			"file_id":   ev.FileID,
			"file_name": ev.FileName,
			"parent_id": ev.ParentID,
			"is_dir":    boolInt(ev.IsDir),
			"pick_code": ev.PickCode,
		})

		if ev.ID > maxID {
			maxID = ev.ID
		}

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	f.mu.Unlock()

	if rows == nil {
		rows = []map[string]any{}
	}

	writeEnvelope(w, true, 0, "", rows, len(rows), maxID)
}

func (f *FakeUpstream) handleQRDevice(w http.ResponseWriter, _ *http.Request) {
	writeEnvelope(w, true, 0, "", map[string]any{
		"uid":     "fake-qr-uid",
		"qrcode":  "https://qr.example.com/fake-qr-uid",
		"expires": 4102444800,
	}, 0, 0)
}

func (f *FakeUpstream) handleQRStatus(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	state := f.QRState
	f.mu.Unlock()

	writeEnvelope(w, true, 0, "", map[string]any{"status": state}, 0, 0)
}

func (f *FakeUpstream) handleQRExchange(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	state := f.QRState
	f.mu.Unlock()

	if state != 2 {
		writeEnvelope(w, false, 40199002, "session not confirmed", nil, 0, 0)
		return
	}

	if err := r.ParseForm(); err == nil && r.PostForm.Get("app") == "web" {
		writeEnvelope(w, true, 0, "", map[string]any{"cookie": "UID=fake; SEID=fake"}, 0, 0)
		return
	}

	writeEnvelope(w, true, 0, "", map[string]any{
		"access_token":  "fake-access",
		"refresh_token": "fake-refresh",
		"expires_in":    7200,
	}, 0, 0)
}

func (f *FakeUpstream) handleTokenRefresh(w http.ResponseWriter, _ *http.Request) {
	writeEnvelope(w, true, 0, "", map[string]any{
		"access_token":  "fake-access-2",
		"refresh_token": "fake-refresh-2",
		"expires_in":    7200,
	}, 0, 0)
}

// handleSigned plays the CDN: it serves the bytes behind a signed URL.
// The body is derived from the pick code so tests can assert content.
func (f *FakeUpstream) handleSigned(w http.ResponseWriter, r *http.Request) {
	pick := strings.TrimPrefix(r.URL.Path, "/signed/")
	_, _ = w.Write([]byte("content-of-" + pick))
}

// SetQRState flips the qrcode scan state under the lock.
func (f *FakeUpstream) SetQRState(state int) {
	f.mu.Lock()
	f.QRState = state
	f.mu.Unlock()
}

// SetUnauth flips the global unauthenticated switch.
func (f *FakeUpstream) SetUnauth(unauth bool) {
	f.mu.Lock()
	f.Unauth = unauth
	f.mu.Unlock()
}

func itemRow(item Item) map[string]any {
	return map[string]any{
		"file_id":     item.FileID,
		"file_name":   item.FileName,
		"is_dir":      boolInt(item.IsDir),
		"file_size":   item.Size,
		"parent_id":   item.ParentID,
		"pick_code":   item.PickCode,
		"sha1":        item.SHA1,
		"update_time": item.UpdateTime,
	}
}

func itemRows(items []Item) []map[string]any {
	rows := make([]map[string]any, len(items))
	for i, item := range items {
		rows[i] = itemRow(item)
	}

	return rows
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func writeEnvelope(w http.ResponseWriter, state bool, code int, message string, data any, count int, nextID int64) {
	body := map[string]any{
		"state":   state,
		"code":    code,
		"message": message,
		"count":   count,
		"next_id": nextID,
	}

	if data != nil {
		body["data"] = data
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
