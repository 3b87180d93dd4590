package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jason-czar/sportscast-live/internal/observability/metrics"
)

// GatewayConfig configures a control Gateway.
type GatewayConfig struct {
	Queue  Queue
	Logger *slog.Logger
	// HeartbeatInterval controls how often the gateway sends WebSocket ping
	// frames to connected clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway fans control messages out to the WebSocket subscribers of each
// session and relays them across replicas through the queue. Sends to slow
// clients are dropped, never blocked on.
type Gateway struct {
	id     string
	queue  Queue
	logger *slog.Logger

	heartbeatInterval time.Duration

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}

	closeOnce sync.Once
	sub       Subscription
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		id:                instanceID(),
		queue:             cfg.Queue,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		rooms:             make(map[string]map[*client]struct{}),
	}
}

func instanceID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("gw-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// Start begins consuming the shared queue so messages published by other
// replicas reach local subscribers. It returns immediately.
func (g *Gateway) Start(ctx context.Context) {
	if g.queue == nil {
		return
	}
	g.sub = g.queue.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-g.sub.Messages():
				if !ok {
					return
				}
				if msg.Origin == g.id {
					continue
				}
				g.broadcast(msg)
			}
		}
	}()
}

// Close detaches the gateway from the shared queue.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		if g.sub != nil {
			g.sub.Close()
		}
	})
}

// Publish delivers a message to local subscribers and relays it through the
// queue for other replicas. Queue failures are logged, not surfaced: the
// channel is best effort by contract.
func (g *Gateway) Publish(ctx context.Context, msg Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	msg.Origin = g.id
	if msg.EmittedAt.IsZero() {
		msg.EmittedAt = time.Now().UTC()
	}
	g.broadcast(msg)
	if g.queue != nil {
		if err := g.queue.Publish(ctx, msg); err != nil {
			g.logger.Warn("control message relay failed", "session_id", msg.SessionID, "type", msg.Type, "error", err)
		}
	}
	return nil
}

// HandleConnection upgrades the HTTP request to a WebSocket subscription for
// the given session. The subscription is receive-only; the read loop exists
// to answer pings and observe the close handshake.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The request context dies as soon as ServeHTTP returns on the hijacked
	// connection, so the subscription runs on its own context. close cancels
	// it when the client goes away.
	ctx, cancel := context.WithCancel(context.Background())

	c := &client{
		gateway:   g,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 16),
		cancel:    cancel,
	}
	g.register(c)

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

// SubscriberCount reports how many clients are attached to a session.
func (g *Gateway) SubscriberCount(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[sessionID])
}

func (g *Gateway) broadcast(msg Message) {
	g.mu.RLock()
	recipients := g.rooms[msg.SessionID]
	if len(recipients) == 0 {
		g.mu.RUnlock()
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		g.mu.RUnlock()
		g.logger.Error("control message marshal failed", "error", err)
		return
	}
	delivered := 0
	for c := range recipients {
		select {
		case c.send <- payload:
			delivered++
		default:
			// Slow subscriber: drop the message for this client.
		}
	}
	g.mu.RUnlock()
	metrics.Default().ObserveFanout(string(msg.Type), delivered)
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	if g.rooms[c.sessionID] == nil {
		g.rooms[c.sessionID] = make(map[*client]struct{})
	}
	g.rooms[c.sessionID][c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if clients := g.rooms[c.sessionID]; clients != nil {
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.rooms, c.sessionID)
		}
	}
	g.mu.Unlock()
}

type client struct {
	gateway   *Gateway
	conn      *Conn
	sessionID string
	send      chan []byte
	closed    sync.Once
	cancel    context.CancelFunc
}

func (c *client) writeLoop() {
	defer c.close()
	for payload := range c.send {
		if err := c.conn.WriteText(payload); err != nil {
			return
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		if _, err := c.conn.ReadMessage(ctx); err != nil {
			return
		}
		// Inbound frames carry no commands on this channel.
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.gateway.unregister(c)
		close(c.send)
		_ = c.conn.Close()
	})
}
