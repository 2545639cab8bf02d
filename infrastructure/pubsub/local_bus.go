package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"wfchat/contract"
)

// LocalBus is an in-process contract.Bus for a standalone server backed by BadgerDB.
// Every subscription owns a buffered queue; when it is full the message is dropped
// for that subscriber only, which keeps the at-most-once contract of Redis pub/sub.
type LocalBus struct {
	mu         sync.Mutex
	log        *slog.Logger
	bufferSize int
	channels   map[string]map[*localSubscription]struct{}
	closed     bool
}

func NewLocalBus(log *slog.Logger, bufferSize int) *LocalBus {
	return &LocalBus{
		log:        log,
		bufferSize: bufferSize,
		channels:   make(map[string]map[*localSubscription]struct{}),
	}
}

// Publish holds the write lock while enqueueing so that concurrent publications
// reach every subscriber of a channel in the same order.
func (b *LocalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.channels[channel] {
		sub.deliver(payload, b.log)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, channel string) (contract.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &localSubscription{
		bus:      b,
		channel:  channel,
		messages: make(chan []byte, b.bufferSize),
	}
	if b.closed {
		close(sub.messages)
		sub.closed = true
		return sub, nil
	}
	if _, ok := b.channels[channel]; !ok {
		b.channels[channel] = make(map[*localSubscription]struct{})
	}
	b.channels[channel][sub] = struct{}{}
	return sub, nil
}

func (b *LocalBus) unsubscribe(sub *localSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.channels[sub.channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.channels, sub.channel)
		}
	}
}

// Close terminates every live subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	subs := make([]*localSubscription, 0)
	for _, set := range b.channels {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.channels = make(map[string]map[*localSubscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

type localSubscription struct {
	mu       sync.Mutex
	bus      *LocalBus
	channel  string
	messages chan []byte
	closed   bool
}

func (s *localSubscription) deliver(payload []byte, log *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- payload:
	default:
		log.Warn("Subscriber queue full, dropping message", "channel", s.channel)
	}
}

func (s *localSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *localSubscription) Close() error {
	s.bus.unsubscribe(s)
	s.shutdown()
	return nil
}

func (s *localSubscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.messages)
	}
}
