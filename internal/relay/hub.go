package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

var ErrHubStopped = errors.New("hub stopped")

// inbound pairs a decoded message with the connection that sent it.
type inbound struct {
	client  *Client
	message *protocol.Message
}

// Hub is the central brain of the relay. It owns the registry and every
// connected client, and processes all of their events on one goroutine.
type Hub struct {
	registry *Registry
	clients  map[string]*Client
	logger   *slog.Logger

	// Register is a channel for newly accepted connections.
	Register chan *Client

	// Unregister is a channel for connections whose read pump has ended.
	Unregister chan *Client

	// inbound carries decoded messages from read pumps.
	inbound chan inbound

	// snapshots serves Zones() requests from other goroutines.
	snapshots chan chan []ZoneSnapshot

	// done is closed when Run returns so pumps never block on a dead hub.
	done chan struct{}
}

// NewHub creates a hub that assigns zones with grid.
func NewHub(grid zone.Grid, logger *slog.Logger) *Hub {
	return &Hub{
		registry:   NewRegistry(grid, logger),
		clients:    make(map[string]*Client),
		logger:     logger,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		snapshots:  make(chan chan []ZoneSnapshot),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, after
// closing every remaining client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			return

		case client := <-h.Register:
			h.clients[client.ID] = client
			h.logger.Info("client registered",
				"connection", client.ID,
				"remote", client.RemoteAddr(),
				"codec", client.codec.Name(),
			)
			h.deliver(Delivery{
				To: client.ID,
				Message: &protocol.Message{
					Type: protocol.TypeWelcome,
					Welcome: &protocol.Welcome{
						ConnectionID: client.ID,
						ZoneSize:     h.registry.Grid().Size(),
						Version:      protocol.Version,
					},
				},
			})

		case client := <-h.Unregister:
			h.drop(client, "connection closed")

		case in := <-h.inbound:
			// Messages can still be queued from a client that was dropped.
			if current, ok := h.clients[in.client.ID]; !ok || current != in.client {
				continue
			}
			h.handle(in.client, in.message)

		case reply := <-h.snapshots:
			reply <- h.registry.Zones()
		}
	}
}

// Accept registers a new client with the event loop.
func (h *Hub) Accept(ctx context.Context, client *Client) error {
	select {
	case h.Register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Zones returns a snapshot of zone occupancy. It blocks until the event loop
// answers or ctx ends.
func (h *Hub) Zones(ctx context.Context) ([]ZoneSnapshot, error) {
	reply := make(chan []ZoneSnapshot, 1)
	select {
	case h.snapshots <- reply:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case zones := <-reply:
		return zones, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) handle(client *Client, msg *protocol.Message) {
	if err := msg.Validate(); err != nil {
		h.logger.Warn("closing connection after invalid message",
			"connection", client.ID,
			"error", err,
		)
		h.reject(client, err.Error())
		return
	}

	h.logger.Debug("message received", "type", msg.Type, "connection", client.ID)

	var out []Delivery
	switch msg.Type {
	case protocol.TypeJoin:
		out = h.registry.Join(client.ID, msg.UserID, msg.DisplayName, *msg.Position)
	case protocol.TypeLeave:
		out = h.registry.Leave(client.ID)
	case protocol.TypeMove:
		out = h.registry.Move(client.ID, *msg.Position)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		out = h.registry.Route(client.ID, msg)
	}
	h.deliver(out...)
}

// deliver queues messages on their recipients' send channels. A recipient
// whose buffer is full is disconnected rather than allowed to stall the loop.
func (h *Hub) deliver(deliveries ...Delivery) {
	for _, d := range deliveries {
		client, ok := h.clients[d.To]
		if !ok {
			continue
		}
		select {
		case client.send <- d.Message:
		default:
			h.logger.Warn("send buffer full, dropping client", "connection", client.ID)
			h.drop(client, "send buffer full")
		}
	}
}

// reject sends a final error to one client and ends its session.
func (h *Hub) reject(client *Client, reason string) {
	select {
	case client.send <- protocol.NewError(reason):
	default:
	}
	h.drop(client, reason)
}

// drop removes a client from the registry, notifies its zone and closes
// its send channel, which stops the write pump. Dropping twice is a no-op.
func (h *Hub) drop(client *Client, reason string) {
	if current, ok := h.clients[client.ID]; !ok || current != client {
		return
	}
	delete(h.clients, client.ID)
	close(client.send)

	h.logger.Info("client unregistered",
		"connection", client.ID,
		"remote", client.RemoteAddr(),
		"reason", reason,
	)
	h.deliver(h.registry.Disconnect(client.ID)...)
}
