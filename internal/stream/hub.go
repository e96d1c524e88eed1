package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"backend-drivertrack/internal/location"

	"cdr.dev/slog/v3"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "drivertrack:lastseen:"

// Hub fans last-seen updates out to websocket clients watching a driver.
// With Redis configured every update goes through pub/sub so that all API
// instances deliver it; without Redis delivery is local.
type Hub struct {
	redis   *redis.Client
	log     slog.Logger
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	done    chan struct{}
}

type Client struct {
	DriverID string
	Send     chan []byte
}

func NewHub(ctx context.Context, redisClient *redis.Client, log slog.Logger) *Hub {
	h := &Hub{
		log:     log.Named("stream"),
		clients: map[string]map[*Client]struct{}{},
		done:    make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}

	pubsub := redisClient.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		h.log.Warn(ctx, "redis subscribe failed, delivering locally", slog.Error(err))
		_ = pubsub.Close()
		close(h.done)
		return h
	}
	h.redis = redisClient
	go h.forward(ctx, pubsub)
	return h
}

// Done is closed once the Redis subscription has stopped.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Register(driverID string) *Client {
	client := &Client{
		DriverID: driverID,
		Send:     make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[driverID] == nil {
		h.clients[driverID] = map[*Client]struct{}{}
	}
	h.clients[driverID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	driverClients, ok := h.clients[client.DriverID]
	if !ok {
		return
	}
	if _, ok := driverClients[client]; !ok {
		return
	}
	delete(driverClients, client)
	if len(driverClients) == 0 {
		delete(h.clients, client.DriverID)
	}
	close(client.Send)
}

// Publish sends a driver's latest position to everyone watching it.
func (h *Hub) Publish(ctx context.Context, ls location.LastSeen) error {
	payload, err := json.Marshal(ls)
	if err != nil {
		return err
	}
	h.Broadcast(ctx, ls.DriverID, payload)
	return nil
}

func (h *Hub) Broadcast(ctx context.Context, driverID string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(ctx, redisChannel(driverID), payload).Err()
		if err == nil {
			return
		}
		h.log.Warn(ctx, "redis publish failed", slog.F("driver_id", driverID), slog.Error(err))
	}
	h.deliver(driverID, payload)
}

func (h *Hub) deliver(driverID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[driverID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) forward(ctx context.Context, pubsub *redis.PubSub) {
	defer close(h.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			driverID := driverIDFromChannel(msg.Channel)
			if driverID == "" {
				continue
			}
			h.deliver(driverID, []byte(msg.Payload))
		}
	}
}

func redisChannel(driverID string) string {
	return channelPrefix + driverID
}

func driverIDFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) {
		return ""
	}
	return strings.TrimPrefix(ch, channelPrefix)
}
