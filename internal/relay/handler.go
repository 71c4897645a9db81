package relay

import (
	"fmt"
	"net/http"
	"strings"
)

// SSEHandler returns an http.HandlerFunc that streams events as SSE.
// Clients may filter with ?topics=status,fetch and ?tab_id=<id>; events
// without a tab pass the tab filter.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var topicFilter map[string]bool
		if q := r.URL.Query().Get("topics"); q != "" {
			topicFilter = make(map[string]bool)
			for _, t := range strings.Split(q, ",") {
				if t = strings.TrimSpace(t); t != "" {
					topicFilter[t] = true
				}
			}
		}
		tabFilter := r.URL.Query().Get("tab_id")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if topicFilter != nil && !topicFilter[evt.Topic] {
					continue
				}
				if tabFilter != "" && evt.Tab != "" && evt.Tab != tabFilter {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Topic, evt.Payload)
				flusher.Flush()
			}
		}
	}
}
