package bus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/rega1237/renova-crm-sub000/v1/event"
)

// SSEHandler streams a channel's events over Server-Sent Events.
// The channel is taken from the "channel" query parameter.
func SSEHandler(b Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := b.Subscribe(ctx, channel)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = b.Unsubscribe(context.Background(), channel, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := event.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams a channel's events over WebSocket.
// The channel is taken from the "channel" query parameter.
func WebSocketHandler(b Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := b.Subscribe(ctx, channel)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = b.Unsubscribe(context.Background(), channel, ch)
		}()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := event.Marshal(ev)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
