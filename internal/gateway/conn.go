package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/broker"
	"github.com/fleetconsole-io/fleetconsole/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// If the write does not complete within this window the connection is
	// closed; this prevents a stalled client from blocking the writePump.
	writeWait = 10 * time.Second

	// maxMessageSize is the maximum inbound frame size in bytes. Log batches
	// and terminal data are the largest legitimate frames.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the per-connection outbound channel.
	// If the buffer fills up the peer is considered too slow and is
	// disconnected to prevent backpressure on other subscribers.
	sendBufferSize = 64
)

// Conn represents one authenticated WebSocket peer, agent or browser. Each
// connection runs two goroutines: readPump (parses and dispatches inbound
// envelopes, handles pong frames) and writePump (serialises outbound frames
// onto the wire).
//
// The subs slice holds the broker disposers this connection acquired via
// subscribe messages. It is mutated only by the reader goroutine and the
// close path, so it needs no lock of its own beyond subsMu guarding the
// reader/close race.
type Conn struct {
	id        uuid.UUID
	gw        *Gateway
	ws        *websocket.Conn
	principal *Principal

	// send is the outbound frame buffer. Handlers and broker callbacks write
	// here; writePump reads from here and forwards to the wire.
	send chan []byte

	connectedAt time.Time

	// lastPong is the unix-millisecond time of the last pong received,
	// updated by the pong handler and read by the keep-alive sweep.
	lastPong atomic.Int64

	subsMu sync.Mutex
	subs   []broker.UnsubscribeFunc

	// sendMu guards sendClosed so a broker callback racing teardown can
	// never write to a closed channel.
	sendMu     sync.Mutex
	sendClosed bool

	closeOnce sync.Once

	log *zap.Logger
}

func newConn(gw *Gateway, ws *websocket.Conn, principal *Principal) *Conn {
	c := &Conn{
		id:          uuid.New(),
		gw:          gw,
		ws:          ws,
		principal:   principal,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
	}
	c.log = gw.log.With(zap.String("conn_id", c.id.String()))
	c.lastPong.Store(time.Now().UnixMilli())
	return c
}

// run starts both pumps and blocks until the connection closes.
func (c *Conn) run() {
	go c.writePump()
	c.readPump()
}

// readPump parses each inbound frame as an envelope and dispatches it. A
// parse failure or handler error becomes an error envelope; the socket stays
// open. The loop exits on a read error (peer gone or terminated), at which
// point the connection is torn down and every broker subscription released.
func (c *Conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixMilli())
		return nil
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		c.gw.dispatch(c, frame)
	}
}

// writePump forwards frames from the send channel to the wire. It is the
// only goroutine performing data writes on the connection; keep-alive pings
// and the shutdown close frame go through WriteControl, which gorilla allows
// concurrently with data writes.
func (c *Conn) writePump() {
	defer c.ws.Close()

	for frame := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.log.Warn("ws: failed to set write deadline", zap.Error(err))
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Warn("ws: write error", zap.Error(err))
			return
		}
	}
}

// sendEnvelope queues an envelope for delivery. If the send buffer is full
// the peer is too slow to keep up and the connection is terminated so it
// does not stall broker fan-out for other subscribers.
func (c *Conn) sendEnvelope(env *protocol.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		c.log.Error("ws: failed to marshal envelope", zap.Error(err))
		return
	}
	c.sendRaw(frame)
}

func (c *Conn) sendRaw(frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn("ws: send buffer full, terminating slow peer")
		c.terminate()
	}
}

// addSubscription records a broker disposer to be released when the
// connection closes.
func (c *Conn) addSubscription(unsub broker.UnsubscribeFunc) {
	c.subsMu.Lock()
	c.subs = append(c.subs, unsub)
	c.subsMu.Unlock()
}

// releaseSubscriptions runs every disposer under best-effort semantics:
// errors are logged and the remaining disposers still run.
func (c *Conn) releaseSubscriptions() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subsMu.Unlock()

	for _, unsub := range subs {
		if err := unsub(); err != nil {
			c.log.Warn("ws: failed to release subscription", zap.Error(err))
		}
	}
}

// teardown releases all broker subscriptions, removes the registry entry and
// closes the socket. Safe to call from both the read path and the keep-alive
// sweep; only the first call acts.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.releaseSubscriptions()
		c.gw.unregister(c)
		c.sendMu.Lock()
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()
		c.ws.Close()
	})
}

// terminate forcibly closes the socket, which unblocks readPump and routes
// through teardown.
func (c *Conn) terminate() {
	c.ws.Close()
}
