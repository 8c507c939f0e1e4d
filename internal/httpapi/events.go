package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"warden.org/internal/stream"
)

const eventsHeartbeat = 25 * time.Second

// WithEvents exposes s as a Server-Sent Events feed on /v1/events.
func (a *API) WithEvents(s *stream.Stream) *API {
	a.events = s
	a.router.Get("/v1/events", a.Events)
	return a
}

// Events streams operational events as Server-Sent Events.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	rc := http.NewResponseController(w)
	// lift the server write timeout for this response
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.events.Subscribe(r.Context())

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		a.log.Warn("events: streaming unsupported", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + ev.Kind + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
