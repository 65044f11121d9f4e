// Package push maintains the per-principal subscription to the backend's
// event channel and turns raw messages into typed refresh hints.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/pkg/metrics"
)

// HandleState tracks the lifecycle of one push-channel subscription.
type HandleState string

const (
	StateConnecting HandleState = "connecting"
	StateSubscribed HandleState = "subscribed"
	StateError      HandleState = "error"
	StateClosed     HandleState = "closed"
)

const eventBufferSize = 16

// wireEvent is the JSON shape the backend publishes.
type wireEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Subscriber is the slice of the Redis client the listener needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Listener owns at most one open subscription at a time. Establishing a new
// subscription for the same principal while one is live is a no-op. There is
// no automatic reconnect: on transport error the listener parks in StateError
// and reports Connected() == false until the owner resubscribes.
type Listener struct {
	client Subscriber
	log    *slog.Logger

	mu          sync.Mutex
	principalID string
	state       HandleState
	cur         *subscription
}

// subscription carries one channel's plumbing. The closing flag belongs to
// the subscription, not the listener, so a superseded receive loop still
// drains under the flag it was torn down with.
type subscription struct {
	pubsub  *redis.PubSub
	events  chan domain.PushEvent
	closing bool
}

// NewListener builds a Listener over the provided Redis subscriber.
func NewListener(client Subscriber, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}

	return &Listener{
		client: client,
		log:    log,
		state:  StateClosed,
	}
}

// ChannelFor returns the pub/sub channel name for a principal.
func ChannelFor(principalID string) string {
	return fmt.Sprintf("principal:events:%s", principalID)
}

// Subscribe opens the push channel for the given principal and returns the
// event stream. Calling it again for the same principal while subscribed
// returns the existing stream. Subscribing for a different principal tears
// down the previous subscription first.
func (l *Listener) Subscribe(ctx context.Context, principalID string) (<-chan domain.PushEvent, error) {
	l.mu.Lock()
	if l.state == StateSubscribed || l.state == StateConnecting {
		if l.principalID == principalID {
			events := l.cur.events
			l.mu.Unlock()
			return events, nil
		}

		l.mu.Unlock()
		l.Unsubscribe()
		l.mu.Lock()
	}

	sub := &subscription{
		events: make(chan domain.PushEvent, eventBufferSize),
		pubsub: l.client.Subscribe(ctx, ChannelFor(principalID)),
	}
	l.principalID = principalID
	l.state = StateConnecting
	l.cur = sub
	l.mu.Unlock()

	// Wait for the subscription confirmation before reporting connected.
	if _, err := sub.pubsub.Receive(ctx); err != nil {
		l.mu.Lock()
		l.state = StateError
		l.mu.Unlock()

		_ = sub.pubsub.Close()
		close(sub.events)

		l.log.Error("push subscription failed",
			slog.String("principal_id", principalID),
			slog.Any("error", err),
		)
		return nil, err
	}

	l.mu.Lock()
	l.state = StateSubscribed
	l.mu.Unlock()

	go l.receive(principalID, sub)

	l.log.Info("push channel subscribed", slog.String("principal_id", principalID))
	return sub.events, nil
}

// Connected reports whether the subscription is live.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateSubscribed
}

// State returns the current subscription lifecycle state.
func (l *Listener) State() HandleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Unsubscribe tears down the subscription. Safe to call multiple times; the
// event stream is closed once the receive loop drains.
func (l *Listener) Unsubscribe() {
	l.mu.Lock()
	sub := l.cur
	if sub == nil || sub.closing {
		l.mu.Unlock()
		return
	}

	sub.closing = true
	l.mu.Unlock()

	// Closing the pubsub ends the receive loop, which closes the event stream
	// and marks the handle closed.
	if err := sub.pubsub.Close(); err != nil {
		l.log.Warn("push channel close error", slog.Any("error", err))
	}
}

func (l *Listener) receive(principalID string, sub *subscription) {
	for msg := range sub.pubsub.Channel() {
		event, ok := l.decode(principalID, msg.Payload)
		if !ok {
			continue
		}

		metrics.RecordPushEvent(string(event.Kind))

		select {
		case sub.events <- event:
		default:
			// A full buffer means a refresh is already pending; the hint is
			// redundant.
			l.log.Warn("push event dropped, buffer full",
				slog.String("principal_id", principalID),
				slog.String("kind", string(event.Kind)),
			)
		}
	}

	l.mu.Lock()
	deliberate := sub.closing
	if sub == l.cur {
		if deliberate {
			l.state = StateClosed
		} else {
			l.state = StateError
		}
		l.cur = nil
	}
	l.mu.Unlock()

	close(sub.events)

	if deliberate {
		l.log.Info("push channel closed", slog.String("principal_id", principalID))
		return
	}

	l.log.Error("push channel transport error, listener parked",
		slog.String("principal_id", principalID),
	)
}

func (l *Listener) decode(principalID, payload string) (domain.PushEvent, bool) {
	var raw wireEvent
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		l.log.Warn("undecodable push payload",
			slog.String("principal_id", principalID),
			slog.Any("error", err),
		)
		return domain.PushEvent{}, false
	}

	kind := domain.EventKind(raw.Event)
	if !kind.IsKnown() {
		l.log.Warn("unknown push event kind dropped",
			slog.String("principal_id", principalID),
			slog.String("kind", raw.Event),
		)
		return domain.PushEvent{}, false
	}

	return domain.PushEvent{
		PrincipalID: principalID,
		Kind:        kind,
		Message:     raw.Message,
		ReceivedAt:  time.Now().UTC(),
	}, true
}
