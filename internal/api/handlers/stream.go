package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/appforge/appforge/internal/events"
	"github.com/appforge/appforge/pkg/models"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamPreviewLogs handles WS /preview/ws/logs/{server_id}: buffered log
// lines first, then live events until the preview ends or the client goes.
func (h *Handlers) StreamPreviewLogs(w http.ResponseWriter, r *http.Request) {
	replay, sub, err := h.Supervisor.AttachPreview(chi.URLParam(r, "server_id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	h.stream(w, r, replay, sub)
}

// StreamBuild handles WS /build/ws/{build_id}: log lines and state
// transitions. The stream ends once the build is terminal.
func (h *Handlers) StreamBuild(w http.ResponseWriter, r *http.Request) {
	replay, sub, err := h.Supervisor.AttachBuild(chi.URLParam(r, "build_id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	h.stream(w, r, replay, sub)
}

// StreamFlow handles WS /agents/ws/flows/{flow_id}: the current snapshot,
// then step and progress events until the flow ends.
func (h *Handlers) StreamFlow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "flow_id")
	bus := h.Supervisor.Bus()
	sub := bus.Subscribe(events.Key{Kind: events.KindFlow, ID: id})
	flow, err := h.Engine.GetFlow(id)
	if err != nil {
		bus.Unsubscribe(sub)
		respondErr(w, r, err)
		return
	}
	snapshot := models.Event{Ts: time.Now().UTC(), Stream: models.StreamEvent, Event: "snapshot", Data: flowResponse(flow)}
	if flow.CurrentStep.Terminal() {
		bus.Unsubscribe(sub)
	}
	h.stream(w, r, []models.Event{snapshot}, sub)
}

// StreamOwnerEvents handles WS /ws/events: every flow, preview and build
// notification addressed to the caller.
func (h *Handlers) StreamOwnerEvents(w http.ResponseWriter, r *http.Request) {
	sub := h.Supervisor.Bus().Subscribe(events.Key{Kind: events.KindUser, ID: owner(r)})
	h.stream(w, r, nil, sub)
}

// stream upgrades the connection, writes replay, then forwards sub until
// its channel closes or the client disconnects.
func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, replay []models.Event, sub *events.Subscription) {
	bus := h.Supervisor.Bus()
	defer bus.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(4096)
	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Client frames are ignored; reading is how a disconnect is noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(ev models.Event) bool {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return false
		}
		return conn.WriteJSON(ev) == nil
	}
	for _, ev := range replay {
		if !write(ev) {
			return
		}
	}

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.C:
			if !ok {
				reason := "end of stream"
				if bus.Dropped(sub) {
					reason = "subscriber too slow"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
					time.Now().Add(wsWriteWait))
				return
			}
			if !write(ev) {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
