package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"nestsync/services/auth"
	"nestsync/services/realtime"
	"nestsync/services/sleep"
)

const (
	eventBuffer       = 32
	heartbeatInterval = 25 * time.Second
)

// handleEvents streams the caller's change events as server-sent events.
// Each connection owns one subscriber, closed when the client goes away.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.Events == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("realtime delivery is disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	account, _ := auth.FromContext(r.Context())
	sub, err := realtime.NewSubscriber(a.deps.Events, account, a.deps.Log,
		realtime.WithMetrics(a.deps.Metrics),
		realtime.WithNotifier(realtime.LogNotifier{Log: a.log}),
	)
	if err != nil {
		a.respondErr(w, err)
		return
	}
	defer sub.Close()

	ctx := r.Context()
	events := make(chan realtime.Event, eventBuffer)
	_, err = sub.Subscribe(ctx, func(msgCtx context.Context, ev realtime.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		case <-msgCtx.Done():
		}
	})
	if err != nil {
		a.respondErr(w, sleep.Wrap("subscribe", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				a.log.Warn().Err(err).Msg("encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
