package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams emissions as server-sent events until the client goes
// away or the session closes. Slow clients skip intermediate lists.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		ch, unsubscribe := deps.Engine.Subscribe()
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case em := <-ch:
				payload, err := json.Marshal(em)
				if err != nil {
					deps.Logger.Warn("encoding event failed", "error", err)
					continue
				}
				event := "results"
				if em.Closed {
					event = "closed"
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
				flusher.Flush()
				if em.Closed {
					return
				}
			}
		}
	}
}
