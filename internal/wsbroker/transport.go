// Package wsbroker implements brokerapi.Transport over a gorilla/websocket
// connection: one full-duplex socket per account, JSON-framed envelopes.
package wsbroker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a single websocket connection to the broker RPC endpoint. It
// satisfies brokerapi.Transport.
type Transport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	msgCh   chan []byte
	errCh   chan error

	closeOnce sync.Once
	done      chan struct{}
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
}

// Dial opens a new websocket connection to url and starts its read pump. The
// caller owns the returned Transport and must Close it.
func Dial(ctx context.Context, url string, header http.Header) (*Transport, error) {
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial broker websocket: %w", err)
	}
	t := &Transport{
		conn:  conn,
		msgCh: make(chan []byte, 256),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *Transport) readLoop() {
	defer close(t.msgCh)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case t.errCh <- err:
			default:
			}
			return
		}
		select {
		case t.msgCh <- data:
		case <-t.done:
			return
		}
	}
}

// Send writes one frame. Safe for concurrent use; gorilla/websocket requires a
// single writer at a time, enforced here with writeMu.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Messages returns the channel of inbound frames in arrival order.
func (t *Transport) Messages() <-chan []byte { return t.msgCh }

// Errors returns the channel that receives the single fatal read error, if any.
func (t *Transport) Errors() <-chan error { return t.errCh }

// Close tears down the underlying connection. Idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}
