package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetconsole-io/fleetconsole/internal/broker"
	"github.com/fleetconsole-io/fleetconsole/internal/metrics"
	"github.com/fleetconsole-io/fleetconsole/internal/repositories"
)

// DefaultKeepAliveInterval is the ping cadence. A connection that misses two
// consecutive intervals without a pong is terminated by the sweep.
const DefaultKeepAliveInterval = 30 * time.Second

// upgrader performs the HTTP to WebSocket protocol upgrade.
// CheckOrigin always returns true; origin validation is the responsibility
// of the reverse proxy (nginx, Caddy) in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config holds the gateway's collaborators and tuning knobs.
type Config struct {
	Authenticator *Authenticator
	Broker        broker.Broker

	Instances  repositories.InstanceRepository
	Metrics    repositories.MetricRepository
	Heartbeats repositories.HeartbeatRepository
	Events     repositories.InstanceEventRepository

	// KeepAliveInterval defaults to DefaultKeepAliveInterval when zero.
	KeepAliveInterval time.Duration

	Stats  *metrics.Metrics
	Logger *zap.Logger
}

// Gateway owns the connection registry and the keep-alive sweep. Connection
// entries are added by the upgrade handler and removed by each connection's
// teardown; the sweep only reads the registry under a shared lock.
type Gateway struct {
	auth   *Authenticator
	broker broker.Broker

	instances  repositories.InstanceRepository
	metricRepo repositories.MetricRepository
	hbRepo     repositories.HeartbeatRepository
	eventRepo  repositories.InstanceEventRepository

	keepAliveInterval time.Duration

	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn

	stats *metrics.Metrics
	log   *zap.Logger

	stopKeepAlive chan struct{}
	keepAliveDone chan struct{}
	startOnce     sync.Once
}

// New builds a Gateway. Call Start to begin the keep-alive sweep.
func New(cfg Config) *Gateway {
	interval := cfg.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	return &Gateway{
		auth:              cfg.Authenticator,
		broker:            cfg.Broker,
		instances:         cfg.Instances,
		metricRepo:        cfg.Metrics,
		hbRepo:            cfg.Heartbeats,
		eventRepo:         cfg.Events,
		keepAliveInterval: interval,
		conns:             make(map[uuid.UUID]*Conn),
		stats:             cfg.Stats,
		log:               cfg.Logger,
		stopKeepAlive:     make(chan struct{}),
		keepAliveDone:     make(chan struct{}),
	}
}

// Start launches the keep-alive sweep. Must be called exactly once.
func (g *Gateway) Start() {
	g.startOnce.Do(func() {
		go g.keepAlive()
	})
}

// HandleWS authenticates the upgrade request, completes the handshake and
// runs the connection until it closes. Mount it at the /ws path.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := g.auth.Authenticate(r.Context(), r)
	if err != nil {
		if authErr, ok := err.(*AuthError); ok {
			w.Header().Set("X-Error-Code", authErr.Code)
			http.Error(w, authErr.Message, http.StatusUnauthorized)
			return
		}
		g.log.Error("gateway: authentication failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		g.log.Warn("gateway: upgrade failed", zap.Error(err))
		return
	}

	c := newConn(g, ws, principal)
	g.register(c)
	g.log.Info("gateway: connection established",
		zap.String("conn_id", c.id.String()),
		zap.String("user_id", principal.UserID.String()),
		zap.String("role", principal.Role),
		zap.String("instance_id", principal.InstanceID),
	)
	c.run()
}

// ConnectedCount returns the current number of registered connections.
func (g *Gateway) ConnectedCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Shutdown stops the keep-alive sweep and closes every socket with WS code
// 1001 (going away). It returns once the registry is drained or ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	close(g.stopKeepAlive)
	<-g.keepAliveDone

	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.teardown()
	}

	deadline := time.NewTimer(100 * time.Millisecond)
	defer deadline.Stop()
	for {
		if g.ConnectedCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
		case <-deadline.C:
			deadline.Reset(100 * time.Millisecond)
		}
	}
}

func (g *Gateway) register(c *Conn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	if g.stats != nil {
		g.stats.WSConnections.Inc()
	}
}

func (g *Gateway) unregister(c *Conn) {
	g.mu.Lock()
	_, present := g.conns[c.id]
	delete(g.conns, c.id)
	g.mu.Unlock()
	if present {
		if g.stats != nil {
			g.stats.WSConnections.Dec()
		}
		g.log.Info("gateway: connection closed",
			zap.String("conn_id", c.id.String()),
			zap.Duration("lifetime", time.Since(c.connectedAt)),
		)
	}
}

// keepAlive pings every connection each interval and terminates any whose
// last pong is older than twice the interval. Control frames bypass the
// writePump; gorilla permits WriteControl concurrently with data writes.
func (g *Gateway) keepAlive() {
	defer close(g.keepAliveDone)

	ticker := time.NewTicker(g.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.stopKeepAlive:
			return
		}
	}
}

func (g *Gateway) sweep() {
	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	now := time.Now()
	stale := now.Add(-2 * g.keepAliveInterval).UnixMilli()

	for _, c := range conns {
		if c.lastPong.Load() < stale {
			g.log.Warn("gateway: terminating unresponsive connection",
				zap.String("conn_id", c.id.String()))
			c.terminate()
			continue
		}
		if err := c.ws.WriteControl(websocket.PingMessage, nil, now.Add(writeWait)); err != nil {
			g.log.Warn("gateway: ping failed",
				zap.String("conn_id", c.id.String()), zap.Error(err))
			c.terminate()
		}
	}
}
