package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/paygate/internal/events"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams gateway events as server-sent events. Buffered events
// newer than Last-Event-ID are replayed first. ?type=a,b limits the stream
// to those event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	want := parseTypeFilter(r.URL.Query().Get("type"))

	// Subscribe before the replay so nothing published in between is lost.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	lastSent := parseLastEventID(r.Header.Get("Last-Event-ID"))
	send := func(ev events.Event) error {
		if ev.ID <= lastSent {
			return nil
		}
		lastSent = ev.ID
		if want != nil {
			if _, ok := want[ev.Type]; !ok {
				return nil
			}
		}
		if err := writeSSE(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for _, ev := range s.events.SnapshotSince(lastSent) {
		if err := send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseTypeFilter returns nil when every type is wanted.
func parseTypeFilter(v string) map[string]struct{} {
	var out map[string]struct{}
	for _, t := range strings.Split(v, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if out == nil {
			out = make(map[string]struct{})
		}
		out[t] = struct{}{}
	}
	return out
}

// writeSSE frames one event. Data is single-line JSON so one data: line is
// enough.
func writeSSE(w io.Writer, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
