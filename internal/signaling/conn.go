package signaling

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvasflow/assist-relay/internal/metrics"
)

const wsWriteWait = 1 * time.Second

// conn wraps a gorilla websocket connection with serialized writes and
// liveness tracking. It implements session.Peer.
type conn struct {
	ws      *websocket.Conn
	log     *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	// alive is set by the pong handler and cleared each probe tick. A probe
	// tick that finds it cleared means the previous ping went unacknowledged.
	alive atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, logger *slog.Logger, m *metrics.Metrics) *conn {
	c := &conn{
		ws:      ws,
		log:     logger,
		metrics: m,
		done:    make(chan struct{}),
	}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// Send writes one text frame. Safe for concurrent use.
func (c *conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// sendBestEffort logs and counts a failed Send instead of returning it.
func (c *conn) sendBestEffort(data []byte) {
	if err := c.Send(data); err != nil {
		c.metrics.Inc(metrics.SendFailed)
		c.log.Debug("websocket send failed", "err", err)
	}
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// probeLoop sends a liveness ping every interval and force-closes the
// connection when the previous ping went unacknowledged (one-missed-beat
// eviction). It returns when the connection's read loop exits.
func (c *conn) probeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.alive.Load() {
				c.metrics.Inc(metrics.LivenessEvicted)
				c.log.Info("terminating unresponsive connection")
				c.closeWith(websocket.ClosePolicyViolation, "liveness probe not acknowledged")
				return
			}
			c.alive.Store(false)
			if err := c.ping(); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
