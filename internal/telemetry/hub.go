package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tello-relay/relay/internal/config"
)

// Event types published by the relay.
const (
	EventReady          = "ready"
	EventHeartbeat      = "heartbeat"
	EventDeviceAdded    = "deviceAdded"
	EventDeviceRemoved  = "deviceRemoved"
	EventLeaseGranted   = "leaseGranted"
	EventLeaseReleased  = "leaseReleased"
	EventLeaseExpired   = "leaseExpired"
	EventCommandResult  = "commandResult"
	EventCommandTimeout = "commandTimeout"
)

var (
	ErrHubStopped           = errors.New("telemetry hub stopped")
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

const (
	subscriberBuffer = 100
	wsWriteWait      = 10 * time.Second
)

// Event is a single telemetry record.
type Event struct {
	ID     int64                  `json:"id,omitempty"`
	Type   string                 `json:"type"`
	Device string                 `json:"device,omitempty"`
	Time   time.Time              `json:"ts"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

type subscriber struct {
	id     string
	device string
	events chan Event
}

func (s *subscriber) wants(e Event) bool {
	return s.device == "" || s.device == e.Device
}

// Hub distributes events to subscribers and buffers recent history.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	all         *ring
	devices     map[string]*ring

	nextID   int64
	cfg      config.TelemetryConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub buffering cfg.BufferSize events per stream.
func NewHub(cfg config.TelemetryConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.Baseline().Telemetry.BufferSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.Baseline().Telemetry.HeartbeatInterval
	}
	return &Hub{
		subscribers: make(map[string]*subscriber),
		all:         newRing(cfg.BufferSize),
		devices:     make(map[string]*ring),
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Publish stamps event with the next id and hands it to every matching
// subscriber. Slow subscribers lose events rather than block the publisher.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	h.mu.Lock()
	h.nextID++
	event.ID = h.nextID
	h.all.add(event)
	if event.Device != "" {
		buf, ok := h.devices[event.Device]
		if !ok {
			buf = newRing(h.cfg.BufferSize)
			h.devices[event.Device] = buf
		}
		buf.add(event)
	}
	targets := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		if s.wants(event) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.events <- event:
		default:
			h.logger.Debug("Dropping event for slow subscriber",
				zap.String("subscriber", s.id), zap.Int64("event", event.ID))
		}
	}
	return nil
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// register adds a subscriber and returns the buffered events after lastID in
// one critical section, so nothing published in between is lost or repeated.
func (h *Hub) register(device string, lastID int64) (*subscriber, []Event) {
	s := &subscriber{
		id:     uuid.NewString(),
		device: device,
		events: make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[s.id] = s

	if lastID <= 0 {
		return s, nil
	}
	buf := h.all
	if device != "" {
		buf = h.devices[device]
	}
	if buf == nil {
		return s, nil
	}
	return s, buf.after(lastID)
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	h.mu.Unlock()
}

// Subscribe streams events as Server-Sent Events until ctx ends, the client
// goes away, or the hub stops. The optional "device" query parameter filters
// the stream; Last-Event-ID resumes from the buffer.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	s, backlog := h.register(r.URL.Query().Get("device"), lastEventID(r))
	defer h.unregister(s.id)

	write := func(e Event) error {
		if err := writeSSE(w, e); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ready := Event{Type: EventReady, Time: time.Now().UTC(), Data: map[string]interface{}{"subscriber": s.id}}
	if err := write(ready); err != nil {
		return fmt.Errorf("failed to send ready event: %w", err)
	}
	for _, e := range backlog {
		if err := write(e); err != nil {
			return fmt.Errorf("failed to replay events: %w", err)
		}
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case e := <-s.events:
			if err := write(e); err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := write(Event{Type: EventHeartbeat, Time: time.Now().UTC()}); err != nil {
				return err
			}
		}
	}
}

// ServeWS upgrades the request to a websocket and pushes events as JSON text
// frames. Inbound frames are read and discarded to notice disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	defer conn.Close()

	s, backlog := h.register(r.URL.Query().Get("device"), lastEventID(r))
	defer h.unregister(s.id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(e Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(e)
	}

	for _, e := range backlog {
		if err := write(e); err != nil {
			return nil
		}
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-r.Context().Done():
			return nil
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
				time.Now().Add(wsWriteWait))
			return nil
		case e := <-s.events:
			if err := write(e); err != nil {
				h.logger.Debug("Websocket write failed", zap.String("subscriber", s.id), zap.Error(err))
				return nil
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		}
	}
}

// Stop disconnects every subscriber and rejects further publishes.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func writeSSE(w http.ResponseWriter, e Event) error {
	if e.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", e.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", e.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}
	return nil
}

// ring is a fixed capacity buffer of the most recent events.
type ring struct {
	events []Event
	start  int
	size   int
}

func newRing(capacity int) *ring {
	return &ring{events: make([]Event, capacity)}
}

func (b *ring) add(e Event) {
	capacity := len(b.events)
	if b.size < capacity {
		b.events[(b.start+b.size)%capacity] = e
		b.size++
		return
	}
	b.events[b.start] = e
	b.start = (b.start + 1) % capacity
}

func (b *ring) after(id int64) []Event {
	var out []Event
	for i := 0; i < b.size; i++ {
		e := b.events[(b.start+i)%len(b.events)]
		if e.ID > id {
			out = append(out, e)
		}
	}
	return out
}
