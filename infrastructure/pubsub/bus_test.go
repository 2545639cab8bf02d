package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"wfchat/contract"

	"github.com/alicebob/miniredis/v2"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func forEachBus(t *testing.T, scenario func(t *testing.T, bus contract.Bus)) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	t.Run("local", func(t *testing.T) {
		bus := NewLocalBus(log, 16)
		t.Cleanup(func() { _ = bus.Close() })
		scenario(t, bus)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		bus := NewRedisBus(rdb, log)
		scenario(t, bus)
	})
}

func receive(t *testing.T, sub contract.Subscription) string {
	t.Helper()
	select {
	case payload, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return string(payload)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return ""
}

func TestBus_EverySubscriberReceivesInOrder(t *testing.T) {
	forEachBus(t, func(t *testing.T, bus contract.Bus) {
		req := require.New(t)
		ctx := context.Background()

		// Given two subscribers of the same channel
		first, err := bus.Subscribe(ctx, "room:1:channel")
		req.NoError(err)
		defer func() { _ = first.Close() }()
		second, err := bus.Subscribe(ctx, "room:1:channel")
		req.NoError(err)
		defer func() { _ = second.Close() }()

		// When messages are published
		for i := 0; i < 3; i++ {
			req.NoError(bus.Publish(ctx, "room:1:channel", []byte(fmt.Sprintf("m%d", i))))
		}

		// Then both get them in publish order
		for _, sub := range []contract.Subscription{first, second} {
			for i := 0; i < 3; i++ {
				req.Equal(fmt.Sprintf("m%d", i), receive(t, sub))
			}
		}
	})
}

func TestBus_ChannelsAreIsolated(t *testing.T) {
	forEachBus(t, func(t *testing.T, bus contract.Bus) {
		req := require.New(t)
		ctx := context.Background()

		// Given subscribers of two rooms
		lobby, err := bus.Subscribe(ctx, "room:1:channel")
		req.NoError(err)
		defer func() { _ = lobby.Close() }()
		games, err := bus.Subscribe(ctx, "room:2:channel")
		req.NoError(err)
		defer func() { _ = games.Close() }()

		// When one room gets a message
		req.NoError(bus.Publish(ctx, "room:2:channel", []byte("gg")))

		// Then the other room does not see it
		req.Equal("gg", receive(t, games))
		select {
		case payload := <-lobby.Messages():
			req.Failf("unexpected message", "%s", payload)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestBus_CloseEndsTheSubscription(t *testing.T) {
	forEachBus(t, func(t *testing.T, bus contract.Bus) {
		req := require.New(t)
		ctx := context.Background()

		// Given a live subscription
		sub, err := bus.Subscribe(ctx, "rooms:control")
		req.NoError(err)

		// When it is closed, twice
		req.NoError(sub.Close())
		_ = sub.Close()

		// Then its channel is closed
		req.Eventually(func() bool {
			select {
			case _, ok := <-sub.Messages():
				return !ok
			default:
				return false
			}
		}, time.Second, 10*time.Millisecond)

		// Then publishing afterwards is harmless
		req.NoError(bus.Publish(ctx, "rooms:control", []byte("late")))
	})
}

func TestLocalBus_DropsWhenSubscriberLags(t *testing.T) {
	req := require.New(t)
	bus := NewLocalBus(logs.GetLoggerFromLevel(slog.LevelDebug), 2)
	defer func() { _ = bus.Close() }()
	ctx := context.Background()

	// Given a subscriber that never reads
	sub, err := bus.Subscribe(ctx, "room:1:channel")
	req.NoError(err)

	// When more messages than its queue holds are published
	for i := 0; i < 5; i++ {
		req.NoError(bus.Publish(ctx, "room:1:channel", []byte(fmt.Sprintf("m%d", i))))
	}

	// Then the first ones are kept and the others dropped
	req.Equal("m0", receive(t, sub))
	req.Equal("m1", receive(t, sub))
	select {
	case payload := <-sub.Messages():
		req.Failf("unexpected message", "%s", payload)
	default:
	}
}

func TestLocalBus_CloseShutsDownSubscriptions(t *testing.T) {
	req := require.New(t)
	bus := NewLocalBus(logs.GetLoggerFromLevel(slog.LevelDebug), 2)
	ctx := context.Background()

	// Given a subscription
	sub, err := bus.Subscribe(ctx, "rooms:control")
	req.NoError(err)

	// When the bus is closed
	req.NoError(bus.Close())

	// Then the subscription channel is closed and new ones start closed
	_, ok := <-sub.Messages()
	req.False(ok)
	late, err := bus.Subscribe(ctx, "rooms:control")
	req.NoError(err)
	_, ok = <-late.Messages()
	req.False(ok)
}
