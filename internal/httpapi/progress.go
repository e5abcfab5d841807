package httpapi

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/strmgate/strmgate/internal/store"
)

// progressInterval is the snapshot rate of the progress feed.
const progressInterval = time.Second

// progressFrame is one snapshot pushed over the websocket.
type progressFrame struct {
	TaskID       string `json:"task_id"`
	State        string `json:"state"`
	TotalItems   int    `json:"total_items"`
	CurrentIndex int    `json:"current_index"`
}

// handleTaskProgress upgrades to a websocket and streams run progress
// snapshots until the run reaches a terminal state or the client leaves.
// The feed is write-only.
func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "task lookup failed")
			return
		}

		frame := progressFrame{
			TaskID:       taskID,
			State:        task.State,
			TotalItems:   task.TotalItems,
			CurrentIndex: task.CurrentIndex,
		}

		if err := wsjson.Write(ctx, conn, frame); err != nil {
			return
		}

		if task.State != store.TaskRunning && task.State != store.TaskPending {
			conn.Close(websocket.StatusNormalClosure, "run finished")
			return
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}
