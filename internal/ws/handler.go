// Package ws carries the bidirectional session channel: sequenced audio
// chunks and control messages inbound, status events, transcripts and
// narration audio outbound, full duplex over one websocket.
package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AirOxygenC/DriveCode/internal/narrate"
	"github.com/AirOxygenC/DriveCode/internal/session"
)

// Binary frames carry a 4-byte big-endian sequence number before the PCM
// payload. The segmenter uses it to drop late or duplicate chunks.
const seqHeaderLen = 4

// controlMessage is the JSON frame the client sends for session control.
type controlMessage struct {
	Type       string `json:"type"` // "session_start", "end_of_speech", "bye"
	Repo       string `json:"repo,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	Token      string `json:"token,omitempty"`
}

// Controller is the session surface the channel drives.
type Controller interface {
	Start(ctx context.Context) error
	PushAudio(seq uint32, chunk []byte)
	EndOfSpeech()
	Close(reason string)
}

// StartInfo is the payload of a session_start control message.
type StartInfo struct {
	Repo       string
	BaseBranch string
	Token      string
}

// SessionFactory builds the per-connection session. The notifier and sink
// are backed by this connection's write pump.
type SessionFactory func(ctx context.Context, info StartInfo, notifier session.Notifier, sink narrate.Sink) (Controller, error)

// Handler upgrades HTTP requests to session channels.
type Handler struct {
	upgrader   websocket.Upgrader
	newSession SessionFactory
	log        *zap.SugaredLogger
}

func NewHandler(factory SessionFactory, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// The browser client is served from a separate origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		newSession: factory,
		log:        log,
	}
}

// ServeHTTP upgrades the connection and runs the read loop until the client
// says bye or the transport drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := newConn(wsc, h.log)
	go c.writePump()
	defer func() {
		c.close()
		_ = wsc.Close()
	}()

	wsc.SetReadLimit(1 << 20)
	_ = wsc.SetReadDeadline(time.Now().Add(pongWait))
	wsc.SetPongHandler(func(string) error {
		return wsc.SetReadDeadline(time.Now().Add(pongWait))
	})

	var sess Controller
	var boundRepo string
	defer func() {
		if sess != nil {
			sess.Close("connection closed")
		}
	}()

	for {
		mt, data, err := wsc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugw("read failed", "error", err)
			}
			return
		}
		_ = wsc.SetReadDeadline(time.Now().Add(pongWait))

		switch mt {
		case websocket.BinaryMessage:
			if sess == nil || len(data) < seqHeaderLen {
				continue
			}
			seq := binary.BigEndian.Uint32(data[:seqHeaderLen])
			sess.PushAudio(seq, data[seqHeaderLen:])

		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.log.Warnw("malformed control message", "error", err)
				continue
			}
			switch msg.Type {
			case "session_start":
				if sess != nil {
					h.log.Warnw("duplicate session_start ignored")
					continue
				}
				s, err := h.newSession(r.Context(), StartInfo{
					Repo:       msg.Repo,
					BaseBranch: msg.BaseBranch,
					Token:      msg.Token,
				}, c, c)
				if err != nil {
					h.log.Errorw("session start failed", "error", err, "repo", msg.Repo)
					c.sendJSON(serverEvent{Type: "state_change", State: string(session.StateError),
						Detail: "session could not be started"})
					return
				}
				if err := s.Start(r.Context()); err != nil {
					h.log.Errorw("session start failed", "error", err, "repo", msg.Repo)
					s.Close("start failed")
					c.sendJSON(serverEvent{Type: "state_change", State: string(session.StateError),
						Detail: "authentication with the source host failed"})
					return
				}
				sess = s
				boundRepo = msg.Repo
			case "end_of_speech":
				if sess == nil {
					continue
				}
				// The marker may repeat the target repository; a mismatch
				// means client state drifted from the session binding.
				if msg.Repo != "" && msg.Repo != boundRepo {
					h.log.Warnw("end_of_speech repo mismatch",
						"bound", boundRepo, "got", msg.Repo)
				}
				sess.EndOfSpeech()
			case "bye":
				if sess != nil {
					sess.Close("client said bye")
					sess = nil
				}
				return
			default:
				h.log.Warnw("unknown control message", "type", msg.Type)
			}
		}
	}
}
