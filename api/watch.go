package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fulldump/box"
	"github.com/gorilla/websocket"

	"github.com/fulldump/objectdb/engine"
	"github.com/fulldump/objectdb/notification"
	"github.com/fulldump/objectdb/reference"
)

const watchWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type WatchMessage struct {
	Kind      notification.Kind       `json:"kind"`
	Version   engine.Version          `json:"version"`
	Documents []engine.Document       `json:"documents,omitempty"`
	Changes   *notification.ChangeSet `json:"changes,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func watchMessage(ctx context.Context, event notification.Event[*reference.Results]) (*WatchMessage, error) {
	m := &WatchMessage{
		Kind:    event.Kind,
		Version: event.Version,
		Changes: event.Changes,
	}
	if event.Err != nil {
		m.Error = event.Err.Error()
	}
	if event.HasSnapshot() {
		docs, err := event.Snapshot.Documents(ctx)
		if err != nil {
			return nil, err
		}
		m.Documents = docs
	}
	return m, nil
}

// watch streams the changes of a query over a websocket. The optional
// query parameter "filter" carries a JSON filter.
func watch(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

	db := GetDatabase(ctx)
	className := box.GetUrlParameter(ctx, "className")

	var filter engine.Document
	if raw := r.URL.Query().Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			return err
		}
	}

	if _, err := db.Class(className); err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil // the upgrader already replied
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := db.ObserveQuery(ctx, className, filter)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return nil
	}
	defer stream.Close()

	// The client only talks to close the connection
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range stream.Events() {
		m, err := watchMessage(ctx, event)
		event.Close()
		if err != nil {
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(m); err != nil {
			return nil
		}
	}

	closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := stream.Err(); err != nil {
		closing = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
	}
	conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, closing)

	return nil
}
