package websocket

import (
	"net/http"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"rewardkit/core"
	"rewardkit/logging"
	"rewardkit/realtime"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler returns an http.Handler that upgrades to WebSocket and streams events
// from the hub. Query parameters narrow the stream: user=<id> and
// types=<type,type>.
func Handler(hub *realtime.Hub) http.Handler {
	upgrader := gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := realtime.Filter{}
		if u := r.URL.Query().Get("user"); u != "" {
			id, err := core.NormalizeUserID(core.UserID(u))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			filter.UserID = id
		}
		if ts := r.URL.Query().Get("types"); ts != "" {
			for _, t := range strings.Split(ts, ",") {
				filter.Types = append(filter.Types, core.EventType(strings.TrimSpace(t)))
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.FromContext(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()
		id, ch := hub.SubscribeFilter(256, filter)
		defer hub.Unsubscribe(id)

		// reader drains control frames and notices client close
		closed := make(chan struct{})
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}
