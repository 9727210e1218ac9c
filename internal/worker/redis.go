package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"companionchat/internal/redis"

	"github.com/google/uuid"
)

const redisCancelChannel = "worker:cancel"

type cancelMessage struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
	Origin string `json:"origin"`
}

// cancelBus fans user cancellations out to every instance sharing redis.
type cancelBus struct {
	client *redis.Client
	origin string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newCancelBus(client *redis.Client) *cancelBus {
	if !client.Enabled() {
		return nil
	}
	return &cancelBus{client: client, origin: uuid.NewString()}
}

// startListener subscribes and calls handler for messages from other instances.
func (b *cancelBus) startListener(handler func(cancelMessage)) error {
	if b == nil || handler == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	pubsub, err := b.client.Subscribe(ctx, redisCancelChannel)
	if err != nil {
		cancel()
		return err
	}
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		defer pubsub.Close()
		ch := pubsub.Channel()
		// use sub chan to receive msg
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m cancelMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					log.WithError(err).Warn("decode cancel message")
					continue
				}
				if m.Origin == b.origin {
					continue
				}
				handler(m)
			}
		}
	}()
	return nil
}

// publish broadcasts a cancellation for userID.
func (b *cancelBus) publish(userID int64, reason string) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(cancelMessage{UserID: userID, Reason: reason, Origin: b.origin})
	if err != nil {
		log.WithError(err).Warn("encode cancel message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, redisCancelChannel, payload); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("publish cancel message")
	}
}

func (b *cancelBus) close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
