// Package websocket broadcasts committed resource changes to subscribed
// clients. Topics are resource types ("Patient") or single resources
// ("Patient/abc"); every event is published to both.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinrec/clinrec/internal/resource"
)

// Event is the wire form of a committed resource change. Resource is the new
// version's content; deletes serialize it as an explicit null.
type Event struct {
	Action       resource.Action        `json:"action"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	Resource     map[string]interface{} `json:"resource"`
	Version      int                    `json:"version"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Topics returns the topics an event is published to.
func (e Event) Topics() []string {
	return []string{e.ResourceType, e.ResourceType + "/" + e.ResourceID}
}

// clientMessage is an inbound subscription command.
type clientMessage struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// client is one connected subscriber. send is buffered; a slow client drops
// events instead of blocking the broadcaster.
type client struct {
	id     string
	topics map[string]struct{}
	send   chan []byte
}

// Hub tracks clients and their topic subscriptions and fans events out to
// them. Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*client]struct{}
	all     map[*client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		byTopic: make(map[string]map[*client]struct{}),
		all:     make(map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	for topic := range c.topics {
		h.dropSubscription(topic, c)
	}
	delete(h.all, c)
	close(c.send)
}

func (h *Hub) subscribe(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if h.byTopic[topic] == nil {
			h.byTopic[topic] = make(map[*client]struct{})
		}
		h.byTopic[topic][c] = struct{}{}
		c.topics[topic] = struct{}{}
	}
}

func (h *Hub) unsubscribe(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.dropSubscription(topic, c)
		delete(c.topics, topic)
	}
}

// dropSubscription must be called with the lock held.
func (h *Hub) dropSubscription(topic string, c *client) {
	subscribers, ok := h.byTopic[topic]
	if !ok {
		return
	}
	delete(subscribers, c)
	if len(subscribers) == 0 {
		delete(h.byTopic, topic)
	}
}

// Broadcast publishes an event to the subscribers of all its topics. Each
// client receives the event at most once.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal change event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := make(map[*client]struct{})
	for _, topic := range event.Topics() {
		for c := range h.byTopic[topic] {
			if _, done := delivered[c]; done {
				continue
			}
			delivered[c] = struct{}{}
			select {
			case c.send <- data:
			default:
				// Slow client; drop rather than block the write path.
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTopic[topic])
}

// Notifier adapts the hub to the store's post-commit notification interface.
type Notifier struct {
	hub *Hub
	now func() time.Time
}

func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub, now: time.Now}
}

func (n *Notifier) Notify(event resource.ChangeEvent) {
	n.hub.Broadcast(Event{
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ID,
		Resource:     event.Resource,
		Version:      event.Version,
		Timestamp:    n.now().UTC(),
	})
}

var upgrader = gws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origins are enforced by the auth middleware.
	},
}

// Handler upgrades HTTP connections and runs the per-client pumps.
type Handler struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// RegisterRoutes registers the subscription endpoint.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.handleConnect)
}

func (h *Handler) handleConnect(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := &client{
		id:     uuid.NewString(),
		topics: make(map[string]struct{}),
		send:   make(chan []byte, 256),
	}
	h.hub.register(cl)
	h.logger.Debug().Str("client", cl.id).Msg("websocket client connected")

	go h.writePump(cl, conn)
	go h.readPump(cl, conn)
	return nil
}

func (h *Handler) readPump(cl *client, conn *gws.Conn) {
	defer func() {
		h.hub.unregister(cl)
		conn.Close()
		h.logger.Debug().Str("client", cl.id).Msg("websocket client disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.hub.subscribe(cl, msg.Topics)
		case "unsubscribe":
			h.hub.unsubscribe(cl, msg.Topics)
		}
	}
}

func (h *Handler) writePump(cl *client, conn *gws.Conn) {
	defer conn.Close()
	for message := range cl.send {
		if err := conn.WriteMessage(gws.TextMessage, message); err != nil {
			return
		}
	}
}
