package broadcast

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// NewUpgrader は許可 Origin のみ通す upgrader を返す（空なら同一オリジンのみ）
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowed) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
	return u
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

// ServeWS subscribes ws to the sessions and blocks until the client goes
// away or the hub drops the subscription. snapshot (may be nil) runs once
// the subscription is registered, so whatever it reads is never older than
// what gets published afterwards.
func (h *Hub) ServeWS(ws *websocket.Conn, sessionIDs []string, snapshot func(sub *Subscription)) {
	sub := h.Subscribe(&wsConn{ws: ws}, sessionIDs...)
	defer h.Unsubscribe(sub)

	if snapshot != nil {
		snapshot(sub)
	}

	go pingLoop(ws, sub.Done())

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// クライアントからの入力は使わない（切断検知のためだけに読む）
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WARN] live feed %s closed: %v", sub.ID, err)
			}
			return
		}
	}
}

func pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
