package admin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/halogen-labs/image-gateway/internal/logging"
)

// streamLogs serves the admin log stream: replay the in-memory ring
// filtered by ?level=, then push every new entry until the client goes
// away. The subscription is released on disconnect.
func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	minLevel := logging.LevelDebug
	if q := r.URL.Query().Get("level"); q != "" {
		minLevel = logging.ParseLevel(q)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(e logging.Entry) {
		if logging.ParseLevel(e.Level) < minLevel {
			return
		}
		payload, merr := json.Marshal(e)
		if merr != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	for _, e := range h.logger.Ring() {
		send(e)
	}
	flusher.Flush()

	entries := make(chan logging.Entry, 64)
	unsubscribe := h.logger.Subscribe(func(e logging.Entry) {
		select {
		case entries <- e:
		default: // slow client, drop rather than block the logger
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-entries:
			send(e)
		}
	}
}
