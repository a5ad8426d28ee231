package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"finova.org/internal/stream"
)

const streamHeartbeat = 25 * time.Second

// Stream handles Server-Sent Events for posting and reconciliation flows.
// An optional ?type= query restricts the stream to a single event type,
// e.g. ?type=suggestions.generated.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	wantType := r.URL.Query().Get("type")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.stream.Subscribe(r.Context())

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			if wantType != "" && event.Type != wantType {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
		case <-heartbeat.C:
			// Comment frames keep idle connections alive through proxies.
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event stream.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: "))
	_, _ = w.Write([]byte(event.Type))
	_, _ = w.Write([]byte("\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
