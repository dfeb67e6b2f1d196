package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"opsconsole/internal/core/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// clientMessage is a frame sent by a dashboard client.
type clientMessage struct {
	Type string `json:"type"`
}

// wsSubscriber wraps one websocket connection. All data frames go through
// writeMu so broadcasts and pong replies never interleave.
type wsSubscriber struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *wsSubscriber {
	return &wsSubscriber{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSubscriber) sendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(payload)
}

// ping uses a control frame, which gorilla allows concurrently with writes.
func (s *wsSubscriber) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *wsSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (h *Hub) upgrader() websocket.Upgrader {
	allowed := make(map[string]struct{}, len(h.cfg.AllowedOrigins))
	wildcard := false
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// non-browser clients send no Origin
			if origin == "" || wildcard || len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// HandleWebSocket upgrades the request, registers the client and runs its
// receive loop until the connection closes or the hub drops it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	sub := newWSSubscriber(conn, h.cfg.WriteTimeout)
	h.Connect(sub)
	defer func() {
		h.Disconnect(sub)
		_ = sub.Close()
	}()

	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(h.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 8)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
			select {
			case messageChan <- data:
			case <-sub.closed:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			h.handleClientMessage(sub, data)

		case <-pingTicker.C:
			if err := sub.ping(); err != nil {
				h.logger.Debugw("ping failed", "client_id", sub.ID(), "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("client read error", "client_id", sub.ID(), "error", err)
			}
			return

		case <-sub.closed:
			return
		}
	}
}

// handleClientMessage answers application pings. Anything else, including
// frames that are not JSON, is ignored.
func (h *Hub) handleClientMessage(sub *wsSubscriber, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debugw("ignoring malformed client frame", "client_id", sub.ID(), "error", err)
		return
	}
	if msg.Type != "ping" {
		return
	}
	if err := sub.sendJSON(clientMessage{Type: string(domain.MessagePong)}); err != nil {
		h.logger.Debugw("pong failed", "client_id", sub.ID(), "error", err)
	}
}
