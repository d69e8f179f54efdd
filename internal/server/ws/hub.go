// Package ws bridges the signal bus to WebSocket clients so UIs can follow
// rounds, bets, and claims live.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prxmarket/predictd/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize  = 4096
	sessionBuffer = 256

	// resubscribeDelay spaces reconnection attempts after the bus drops a
	// subscription.
	resubscribeDelay = 5 * time.Second
)

// busChannels are the lifecycle channels every new session starts on.
var busChannels = []string{
	domain.ChannelRounds,
	domain.ChannelBets,
	domain.ChannelClaims,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens in the CORS middleware; the hub accepts any
	// upgrade that made it through.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StatusFunc supplies the market snapshot pushed to a session on connect.
type StatusFunc func() any

// event pairs a bus payload with its source channel for routing.
type event struct {
	channel string
	data    []byte
}

// Hub fans market events out from the signal bus to WebSocket sessions.
type Hub struct {
	bus    domain.SignalBus
	status StatusFunc
	logger *slog.Logger

	events chan event
	attach chan *session
	detach chan *session

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

// NewHub creates a hub. status may be nil; sessions then get no snapshot on
// connect.
func NewHub(bus domain.SignalBus, status StatusFunc, logger *slog.Logger) *Hub {
	return &Hub{
		bus:      bus,
		status:   status,
		logger:   logger.With(slog.String("component", "ws")),
		events:   make(chan event, 256),
		attach:   make(chan *session),
		detach:   make(chan *session),
		sessions: make(map[*session]struct{}),
	}
}

// Run consumes the bus and serves attached sessions until ctx is cancelled.
// Call in a goroutine.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range busChannels {
		go h.forward(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case s := <-h.attach:
			h.add(s)
		case s := <-h.detach:
			h.remove(s)
		case ev := <-h.events:
			h.fanOut(ev)
		}
	}
}

// forward keeps one bus channel flowing into the hub, resubscribing with a
// delay whenever the subscription drops.
func (h *Hub) forward(ctx context.Context, channel string) {
	for {
		if err := h.consume(ctx, channel); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("ws: subscription lost, retrying",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (h *Hub) consume(ctx context.Context, channel string) error {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed", slog.String("channel", channel))

	for data := range msgs {
		select {
		case h.events <- event{channel: channel, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Info("ws: session opened", slog.Int("sessions", n))
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		close(s.out)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Info("ws: session closed", slog.Int("sessions", n))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		close(s.out)
		delete(h.sessions, s)
	}
}

func (h *Hub) fanOut(ev event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if !s.wants(ev.channel) {
			continue
		}
		select {
		case s.out <- ev.data:
		default:
			// Full buffer means a stalled reader; dropping beats blocking
			// every other session.
			h.logger.Warn("ws: dropping event for slow session")
		}
	}
}

// HandleWS upgrades the request and attaches the session to the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &session{
		hub:      h,
		conn:     conn,
		out:      make(chan []byte, sessionBuffer),
		channels: make(map[string]bool, len(busChannels)),
	}
	// Sessions start wide open and narrow themselves with subscribe frames.
	for _, ch := range busChannels {
		s.channels[ch] = true
	}

	h.attach <- s
	s.pushSnapshot()

	go s.writeLoop()
	go s.readLoop()
}

// session is one WebSocket connection and its channel selections.
type session struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	mu       sync.RWMutex
	channels map[string]bool
}

// controlFrame is the JSON a session sends to manage its subscriptions:
// {"action":"subscribe","channels":["market:rounds"]}.
type controlFrame struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

func (s *session) wants(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[channel]
}

func (s *session) apply(frame controlFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range frame.Channels {
		switch frame.Action {
		case "subscribe":
			s.channels[ch] = true
		case "unsubscribe":
			delete(s.channels, ch)
		}
	}
}

// pushSnapshot queues the current market status so the client can render
// before the first lifecycle event arrives.
func (s *session) pushSnapshot() {
	if s.hub.status == nil {
		return
	}
	msg, err := json.Marshal(map[string]any{
		"type":    "market_status",
		"payload": s.hub.status(),
	})
	if err != nil {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

// readLoop consumes client frames, applying subscription changes and feeding
// the pong-based read deadline.
func (s *session) readLoop() {
	defer func() {
		s.hub.detach <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err == nil && frame.Action != "" {
			s.apply(frame)
		}
	}
}

// writeLoop drains the outbound buffer and keeps the connection alive with
// pings.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
