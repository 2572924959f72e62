package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sirrobot01/dbctl/pkg/database"
)

const sseKeepAliveInterval = 15 * time.Second

// writeSSE streams a finished event sequence as Server-Sent Events. Each
// event goes out as "event: <tag>" with the JSON encoding in data, flushed
// immediately; keep-alive comments cover gaps when the client reads
// slowly. The stream ends after the done event.
func writeSSE(w http.ResponseWriter, r *http.Request, events []database.QueryEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan database.QueryEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	ticker := time.NewTicker(sseKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Str("event", ev.EventType()).Msg("Failed to encode query event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), data)
			flusher.Flush()
		}
	}
}
