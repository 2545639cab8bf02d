// Package pubsub provides contract.Bus implementations.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"wfchat/contract"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes and subscribes through Redis channels.
// It shares the client with the store and does not close it.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBus(rdb *redis.Client, log *slog.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for the subscription confirmation so that no message
// published after it returns is missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (contract.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	sub := &redisSubscription{
		ps:       ps,
		messages: make(chan []byte),
		done:     make(chan struct{}),
	}
	go sub.forward(ps.Channel())
	return sub, nil
}

func (b *RedisBus) Close() error {
	return nil
}

type redisSubscription struct {
	ps       *redis.PubSub
	messages chan []byte
	done     chan struct{}
	once     sync.Once
	err      error
}

// forward converts redis messages into raw payloads until the pubsub is closed.
func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer close(s.messages)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.messages <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}
