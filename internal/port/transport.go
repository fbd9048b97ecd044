package port

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/talkilla/internal/proto"
)

// Transport is one physical, bidirectional, message-oriented channel.
// Receive blocks until an envelope arrives; it returns io.EOF once the
// channel is closed from either side.
type Transport interface {
	Send(env proto.Envelope) error
	Receive() (proto.Envelope, error)
	Close() error
}

// pipeCap is how many encoded envelopes a pipe direction buffers.
const pipeCap = 64

type pipeShared struct {
	done chan struct{}
	once sync.Once
}

type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeShared
}

// Pipe returns two connected in-memory transports. Envelopes are JSON
// encoded on Send and decoded on Receive, the same boundary a worker's
// postMessage imposes. Closing either end closes both.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, pipeCap)
	ba := make(chan []byte, pipeCap)
	shared := &pipeShared{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, shared: shared},
		&pipeEnd{in: ab, out: ba, shared: shared}
}

func (p *pipeEnd) Send(env proto.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.shared.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Receive() (proto.Envelope, error) {
	select {
	case b := <-p.in:
		var env proto.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return proto.Envelope{}, err
		}
		return env, nil
	case <-p.shared.done:
		return proto.Envelope{}, io.EOF
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}

// wsWriteTimeout bounds a single websocket frame write.
const wsWriteTimeout = 10 * time.Second

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocket wraps an upgraded browser connection. Each text frame carries
// one JSON envelope.
func NewWebSocket(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (w *wsTransport) Send(env proto.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(env)
}

func (w *wsTransport) Receive() (proto.Envelope, error) {
	var env proto.Envelope
	if err := w.conn.ReadJSON(&env); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return proto.Envelope{}, io.EOF
		}
		return proto.Envelope{}, err
	}
	return env, nil
}

func (w *wsTransport) Close() error {
	w.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	w.writeMu.Unlock()
	err := w.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
