package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmcleod/rollcall/attendance"
	"github.com/jmcleod/rollcall/events"
)

// streamKeepAlive is how often an idle event stream sends a comment line.
const streamKeepAlive = 15 * time.Second

func scopeFromQuery(r *http.Request) attendance.Scope {
	q := r.URL.Query()
	return attendance.Scope{SessionID: q.Get("session_id"), ClassID: q.Get("class_id")}
}

// GetFeed handles GET /feed with optional session_id or class_id.
func (a *API) GetFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := a.svc.Feed.Project(r.Context(), scopeFromQuery(r))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

// StreamFeed handles GET /feed/stream, a server-sent event stream of ledger
// changes. Observers refetch /feed when an event arrives.
func (a *API) StreamFeed(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	scope := scopeFromQuery(r)
	rc := http.NewResponseController(w)

	ch, cancel := a.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !eventInScope(e, scope) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func eventInScope(e events.Event, scope attendance.Scope) bool {
	switch {
	case scope.SessionID != "":
		return e.SessionID == scope.SessionID
	case scope.ClassID != "":
		return e.ClassID == scope.ClassID
	default:
		return true
	}
}
