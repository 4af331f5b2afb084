package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quillreport/quill/internal/model"
)

// handleTaskStream serves progress as server-sent events. Persisted events
// after the client's Last-Event-ID are replayed first, then the live
// subscription takes over, so a reconnecting client misses nothing.
func handleTaskStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
			return
		}

		taskID := chi.URLParam(r, "id")
		tracker := deps.Orchestrator.Tracker()

		task, err := tracker.Snapshot(r.Context(), taskID)
		if err != nil || task == nil {
			httpError(w, http.StatusNotFound, "not_found", "unknown task")
			return
		}

		var after int64
		if v := r.Header.Get("Last-Event-ID"); v != "" {
			after, _ = strconv.ParseInt(v, 10, 64)
		} else if v := r.URL.Query().Get("after"); v != "" {
			after, _ = strconv.ParseInt(v, 10, 64)
		}

		// Subscribe before replay so nothing published in between is lost;
		// duplicates are cheaper than gaps.
		live, unsubscribe := tracker.Subscribe(taskID)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		replayed, lastSeq, err := tracker.Events(r.Context(), taskID, after)
		if err == nil {
			for i, e := range replayed {
				// Only the newest replayed event carries an id; a reconnect
				// resumes from there.
				var id int64
				if i == len(replayed)-1 {
					id = lastSeq
				}
				writeSSE(w, id, e)
			}
			flusher.Flush()
		}

		if live == nil {
			// Task already terminal; the replay is the whole story.
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-live:
				if !ok {
					return
				}
				writeSSE(w, 0, e)
				flusher.Flush()
				if e.Stage.Terminal() {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, id int64, e model.ProgressEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
}
