package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans bot status events out to the streams of the owning user.
type Hub struct {
	clients   map[int64]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	stopOnce  sync.Once
	log       *slog.Logger
}

type message struct {
	ownerID int64
	payload []byte
}

type subscription struct {
	ownerID int64
	client  Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[int64]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		done:      make(chan struct{}),
		log:       logger.With("component", "event-hub"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = map[int64]map[Subscriber]struct{}{}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.ownerID]; !ok {
				h.clients[sub.ownerID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.ownerID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.ownerID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.ownerID)
				}
			}
		case msg := <-h.broadcast:
			clients, ok := h.clients[msg.ownerID]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, msg.ownerID)
			}
		}
	}
}

// Register adds a client to an owner's stream.
func (h *Hub) Register(ownerID int64, client Subscriber) {
	select {
	case h.register <- subscription{ownerID: ownerID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(ownerID int64, client Subscriber) {
	select {
	case h.unreg <- subscription{ownerID: ownerID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all of the owner's clients.
func (h *Hub) Broadcast(ownerID int64, payload []byte) {
	select {
	case h.broadcast <- message{ownerID: ownerID, payload: payload}:
	case <-h.done:
	}
}

// Publish encodes a bot event and broadcasts it to the bot owner.
func (h *Hub) Publish(event domain.BotEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("encode bot event failed", "bot_id", event.BotID, "error", err)
		return
	}
	h.Broadcast(event.OwnerID, payload)
}

// Stop closes every subscriber and ends the dispatch loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
