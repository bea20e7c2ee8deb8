// Package live pushes video status updates to websocket subscribers. Clients
// join a per-video room and receive lifecycle and progress events as the
// pipeline reports them. Events travel through a fan-out queue so every
// server replica can notify its own rooms.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"visionsync/internal/observability/metrics"
)

// GatewayConfig configures a live Gateway.
type GatewayConfig struct {
	// Queue carries events between server replicas. When nil, published
	// events are broadcast to local rooms only.
	Queue    Queue
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	// HeartbeatInterval controls how often the gateway sends WebSocket ping
	// frames to connected clients. A zero value disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway coordinates status fan-out, managing websocket clients and the
// per-video rooms they subscribe to.
type Gateway struct {
	queue    Queue
	logger   *slog.Logger
	recorder *metrics.Recorder

	heartbeatInterval time.Duration

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Gateway{
		queue:             cfg.Queue,
		logger:            logger,
		recorder:          recorder,
		heartbeatInterval: cfg.HeartbeatInterval,
		rooms:             make(map[string]map[*client]struct{}),
	}
}

// Run consumes the fan-out queue and broadcasts each event to the local
// rooms. It blocks until the context is cancelled. Gateways without a queue
// return immediately.
func (g *Gateway) Run(ctx context.Context) {
	if g.queue == nil {
		return
	}
	sub := g.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			g.Broadcast(event)
		}
	}
}

// Publish routes an event to every replica's rooms. Without a queue the
// event is delivered to local subscribers only.
func (g *Gateway) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if g.queue == nil {
		g.Broadcast(event)
		return nil
	}
	if err := g.queue.Publish(ctx, event); err != nil {
		g.logger.Warn("failed to publish live event",
			"video_id", event.RoomID(),
			"event", string(event.Type),
			"error", err,
		)
		return err
	}
	return nil
}

// Broadcast delivers an event to the local room for its video. Slow clients
// are skipped rather than blocking the pipeline.
func (g *Gateway) Broadcast(event Event) {
	if err := event.Validate(); err != nil {
		g.logger.Warn("dropping malformed live event", "error", err)
		return
	}
	payload, err := json.Marshal(frameForEvent(event))
	if err != nil {
		g.logger.Error("failed to marshal live event", "error", err)
		return
	}

	g.mu.RLock()
	recipients := g.rooms[event.RoomID()]
	clients := make([]*client, 0, len(recipients))
	for c := range recipients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
			g.recorder.ObserveSocketPush(string(event.Type))
		default:
		}
	}
}

// RoomSize reports how many clients are subscribed to a video's room.
func (g *Gateway) RoomSize(videoID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[videoID])
}

// HandleConnection upgrades the HTTP request to a websocket and services it
// until the peer disconnects.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	c := &client{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, 16),
		rooms:   make(map[string]struct{}),
		cancel:  cancel,
	}
	g.recorder.SocketConnected()

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.readLoop(ctx)
}

func (g *Gateway) join(c *client, videoID string) {
	g.mu.Lock()
	if g.rooms[videoID] == nil {
		g.rooms[videoID] = make(map[*client]struct{})
	}
	g.rooms[videoID][c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) leave(c *client, videoID string) {
	g.mu.Lock()
	if clients := g.rooms[videoID]; clients != nil {
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.rooms, videoID)
		}
	}
	g.mu.Unlock()
}

// frame is the flattened wire shape written to websocket clients.
type frame struct {
	Type        string   `json:"type"`
	VideoID     string   `json:"videoId,omitempty"`
	Status      string   `json:"status,omitempty"`
	ManifestURL string   `json:"manifestUrl,omitempty"`
	Error       string   `json:"error,omitempty"`
	Percent     *float64 `json:"percent,omitempty"`
	Stage       string   `json:"stage,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
}

func frameForEvent(event Event) frame {
	f := frame{Type: string(event.Type)}
	if !event.OccurredAt.IsZero() {
		f.Timestamp = event.OccurredAt.UTC().Format(time.RFC3339)
	}
	switch {
	case event.Status != nil:
		f.VideoID = event.Status.VideoID
		f.Status = event.Status.Status
		f.ManifestURL = event.Status.ManifestURL
		f.Error = event.Status.ErrorMessage
	case event.Progress != nil:
		f.VideoID = event.Progress.VideoID
		percent := event.Progress.Percent
		f.Percent = &percent
		f.Stage = event.Progress.Stage
	}
	return f
}

type client struct {
	gateway *Gateway
	conn    *Conn
	send    chan []byte
	rooms   map[string]struct{}
	closed  sync.Once
	cancel  context.CancelFunc
}

type inboundFrame struct {
	Type    string `json:"type"`
	VideoID string `json:"videoId"`
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
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var msg inboundFrame
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid payload")
			continue
		}
		switch msg.Type {
		case "join-video":
			c.handleJoin(msg.VideoID)
		case "leave-video":
			c.handleLeave(msg.VideoID)
		default:
			c.sendError("unknown command")
		}
	}
}

func (c *client) handleJoin(videoID string) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		c.sendError("videoId required")
		return
	}
	c.gateway.join(c, videoID)
	c.rooms[videoID] = struct{}{}

	payload, _ := json.Marshal(frame{Type: "ack", VideoID: videoID})
	c.enqueue(payload)
}

func (c *client) handleLeave(videoID string) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return
	}
	c.gateway.leave(c, videoID)
	delete(c.rooms, videoID)
}

func (c *client) sendError(message string) {
	payload, _ := json.Marshal(frame{Type: "error", Error: message})
	c.enqueue(payload)
}

func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		for videoID := range c.rooms {
			c.gateway.leave(c, videoID)
		}
		c.gateway.recorder.SocketDisconnected()
		close(c.send)
		_ = c.conn.Close()
	})
}
