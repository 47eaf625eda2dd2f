package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/medcoach/gateway/internal/domain"
)

// wsConn adapts a gorilla websocket connection to the session.Conn
// interface. Data reads and writes happen from the session's goroutine
// only; the ping loop uses WriteControl, which gorilla permits
// concurrently with other writes.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}

	mu       sync.Mutex
	lastPong time.Time
}

// newWSConn wraps conn. readLimit is the hard per-frame byte cap
// enforced by the transport before any payload is buffered; the
// orchestrator's softer size check still produces the recoverable
// rejection for frames under it. pingInterval enables dead-peer
// detection; zero disables it.
func newWSConn(conn *websocket.Conn, writeTimeout, pingInterval time.Duration, readLimit int64) *wsConn {
	w := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		stop:         make(chan struct{}),
		lastPong:     time.Now(),
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	conn.SetPongHandler(func(string) error {
		w.mu.Lock()
		w.lastPong = time.Now()
		w.mu.Unlock()
		return nil
	})
	if pingInterval > 0 {
		go w.pingLoop(pingInterval)
	}
	return w
}

// pingLoop probes the peer so a silently dead connection is torn down
// long before the session idle timeout would free its connection slot.
// Two consecutive missed pongs close the connection, which unblocks the
// session's pending read.
func (w *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			silent := time.Since(w.lastPong)
			w.mu.Unlock()
			if silent > 2*interval {
				w.conn.Close()
				return
			}
			deadline := time.Now().Add(interval)
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.conn.Close()
				return
			}
		}
	}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteEvent(e domain.Event) error {
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteJSON(e)
}

func (w *wsConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *wsConn) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return w.conn.Close()
}
