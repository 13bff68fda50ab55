package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/prepdesk/qr-auth-server-go/internal/redis"
)

const (
	HeartbeatInterval = 15 * time.Second
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Subscriber struct {
	SessionID string
	Events    chan Event
	Done      chan struct{}
}

// sessionChannel is one live Redis subscription and the local subscribers fed
// by it. It exists only while at least one subscriber does; pairing sessions
// are short-lived, so the subscription must not outlive its waiters.
type sessionChannel struct {
	subs   map[*Subscriber]bool
	cancel context.CancelFunc
}

// Broker fans pairing events out to SSE subscribers. Events travel through
// Redis pub/sub so every server instance sees completions handled elsewhere.
type Broker struct {
	redis    *redisclient.Client
	sessions map[string]*sessionChannel
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:    redisClient,
		sessions: make(map[string]*sessionChannel),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *Broker) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		SessionID: sessionID,
		Events:    make(chan Event, 16),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	sc, ok := b.sessions[sessionID]
	if !ok {
		ctx, cancel := context.WithCancel(b.ctx)
		sc = &sessionChannel{
			subs:   make(map[*Subscriber]bool),
			cancel: cancel,
		}
		b.sessions[sessionID] = sc
		go b.subscribeToRedis(ctx, sessionID, sc)
	}
	sc.subs[sub] = true
	subCount := len(sc.subs)
	b.mu.Unlock()

	log.Info().
		Str("sessionId", sessionID).
		Int("subscriberCount", subCount).
		Msg("pairing event subscriber added")

	return sub
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sc, ok := b.sessions[sub.SessionID]
	if !ok || !sc.subs[sub] {
		return
	}

	delete(sc.subs, sub)
	close(sub.Done)

	// The last subscriber takes the Redis subscription down with it.
	if len(sc.subs) == 0 {
		sc.cancel()
		delete(b.sessions, sub.SessionID)
	}

	log.Info().
		Str("sessionId", sub.SessionID).
		Int("subscriberCount", len(sc.subs)).
		Msg("pairing event subscriber removed")
}

func (b *Broker) Publish(ctx context.Context, sessionID string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	channel := redisclient.PairingChannel(sessionID)
	return b.redis.Publish(ctx, channel, data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, sessionID string, sc *sessionChannel) {
	channel := redisclient.PairingChannel(sessionID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("sessionId", sessionID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal pairing event")
				continue
			}

			b.broadcast(sessionID, sc, event)
		}
	}
}

// broadcast delivers to the subscriber set this subscription was started for,
// not whatever the map currently holds, so a subscription winding down after
// its last unsubscribe cannot double-deliver alongside its replacement.
func (b *Broker) broadcast(sessionID string, sc *sessionChannel, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range sc.subs {
		select {
		case sub.Events <- event:
		default:
			log.Warn().
				Str("sessionId", sessionID).
				Msg("subscriber event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()
}
