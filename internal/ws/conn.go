package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AirOxygenC/DriveCode/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second

	// outboundDepth bounds the write backlog. Narration audio beyond it is
	// dropped so a slow reader can never stall the audio-in path.
	outboundDepth = 256
)

// serverEvent is the JSON frame sent to the client for status and transcript
// updates.
type serverEvent struct {
	Type   string `json:"type"` // "state_change" or "user_message"
	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
	Text   string `json:"text,omitempty"`
}

type outFrame struct {
	messageType int
	data        []byte
}

// conn wraps one websocket with a single-writer pump, because gorilla
// permits only one concurrent writer. All outbound frames pass through one
// channel, which is what preserves event ordering toward the client.
//
// conn implements session.Notifier and narrate.Sink.
type conn struct {
	ws  *websocket.Conn
	log *zap.SugaredLogger

	out    chan outFrame
	closed chan struct{}
}

func newConn(ws *websocket.Conn, log *zap.SugaredLogger) *conn {
	return &conn{
		ws:     ws,
		log:    log,
		out:    make(chan outFrame, outboundDepth),
		closed: make(chan struct{}),
	}
}

// StateChanged implements session.Notifier.
func (c *conn) StateChanged(state session.State, detail string) {
	c.sendJSON(serverEvent{Type: "state_change", State: string(state), Detail: detail})
}

// UserMessage implements session.Notifier.
func (c *conn) UserMessage(text string) {
	c.sendJSON(serverEvent{Type: "user_message", Text: text})
}

// WriteAudio implements narrate.Sink. Audio is best effort: when the
// backlog is full the chunk is dropped rather than blocking the narrator.
func (c *conn) WriteAudio(chunk []byte) error {
	b := make([]byte, len(chunk))
	copy(b, chunk)
	select {
	case <-c.closed:
		return errors.New("ws: connection closed")
	case c.out <- outFrame{messageType: websocket.BinaryMessage, data: b}:
		return nil
	default:
		c.log.Debugw("dropping narration audio, outbound backlog full", "bytes", len(b))
		return nil
	}
}

// sendJSON enqueues a control event. Unlike audio these are never dropped;
// the send blocks until the pump drains or the connection dies.
func (c *conn) sendJSON(ev serverEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Errorw("marshal server event", "error", err)
		return
	}
	select {
	case <-c.closed:
	case c.out <- outFrame{messageType: websocket.TextMessage, data: data}:
	}
}

// writePump is the sole writer on the socket.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
				c.log.Debugw("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}
