package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"inventory-ledger/internal/events"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	writeTimeout           = 10 * time.Second
	maxDecodeErrorsPerConn = 5
)

// clientFrame is a control message sent by a websocket client.
type clientFrame struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}

// controlFrame is the server's reply to a clientFrame.
type controlFrame struct {
	Type      string        `json:"type"`
	Action    string        `json:"action,omitempty"`
	Events    []events.Type `json:"events,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// wsTransport serializes writes to one websocket connection. Control replies
// from the read loop and events from the writer goroutine share the encoder.
type wsTransport struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn, encoder: json.NewEncoder(conn)}
}

func (t *wsTransport) encode(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.encoder.Encode(v)
}

func (t *wsTransport) Send(ev events.Event) error { return t.encode(ev) }

func (t *wsTransport) Close() error { return t.conn.Close() }

// NewHandler serves the websocket endpoint. Clients may subscribe on connect
// with ?events=inventory_change,stock_alert.
func NewHandler(b *Broadcaster, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	ws := websocket.Handler(func(conn *websocket.Conn) {
		serveConn(conn, b, log)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ws.ServeHTTP(w, r)
	})
}

func serveConn(conn *websocket.Conn, b *Broadcaster, log *zap.Logger) {
	transport := newWSTransport(conn)
	id, err := b.Register(transport)
	if err != nil {
		_ = transport.encode(controlFrame{Type: "error", Message: err.Error(), Timestamp: time.Now().UTC()})
		_ = conn.Close()
		return
	}
	defer b.Remove(id)
	log = log.With(zap.String("connection_id", id))

	if req := conn.Request(); req != nil {
		if raw := req.URL.Query().Get("events"); raw != "" {
			if err := handleFrame(transport, b, id, clientFrame{Type: "subscribe", Events: strings.Split(raw, ",")}); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var frame clientFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				log.Debug("websocket read failed", zap.Error(err))
				return
			}
			decodeErrors++
			if werr := transport.encode(controlFrame{Type: "error", Message: "invalid frame payload", Timestamp: time.Now().UTC()}); werr != nil {
				return
			}
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// The decoder cannot resync after malformed input.
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0
		if err := handleFrame(transport, b, id, frame); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func handleFrame(t *wsTransport, b *Broadcaster, id string, frame clientFrame) error {
	now := time.Now().UTC()
	switch frame.Type {
	case "ping":
		return t.encode(controlFrame{Type: "pong", Timestamp: now})
	case "subscribe", "unsubscribe":
		types := make([]events.Type, 0, len(frame.Events))
		for _, raw := range frame.Events {
			typ, err := events.ParseType(strings.TrimSpace(raw))
			if err != nil {
				return t.encode(controlFrame{Type: "error", Action: frame.Type, Message: err.Error(), Timestamp: now})
			}
			types = append(types, typ)
		}
		var current []events.Type
		var err error
		if frame.Type == "subscribe" {
			current, err = b.Subscribe(id, types...)
		} else {
			current, err = b.Unsubscribe(id, types...)
		}
		if err != nil {
			return t.encode(controlFrame{Type: "error", Action: frame.Type, Message: err.Error(), Timestamp: now})
		}
		return t.encode(controlFrame{Type: "ack", Action: frame.Type, Events: current, Timestamp: now})
	default:
		return t.encode(controlFrame{Type: "error", Message: "unsupported frame type " + frame.Type, Timestamp: now})
	}
}
