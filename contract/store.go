package contract

import "context"

// Store is the shared key/value service visible to every server process.
// Every method is a single atomic round trip, except Multi which groups writes
// into one transaction.
type Store interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// HGet returns found=false when either the key or the field is missing.
	HGet(ctx context.Context, key, field string) (value string, found bool, err error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, values map[string]string) error
	// HSetNX writes field only if it does not exist yet and reports whether it did.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HDel(ctx context.Context, key string, fields ...string) error
	// HDelIfEqual deletes field only while it still holds value and reports whether it did.
	HDelIfEqual(ctx context.Context, key, field, value string) (bool, error)

	// SAdd reports whether member was newly added.
	SAdd(ctx context.Context, key, member string) (bool, error)
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAppend appends member to the time-ordered log stored at key.
	ZAppend(ctx context.Context, key string, score float64, member string) error
	// ZRange follows Redis index semantics: negative indexes count from the end.
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	Multi(ctx context.Context, fn func(tx Tx)) error

	Close() error
}

// Tx queues writes applied atomically by Store.Multi.
type Tx interface {
	HSet(key string, values map[string]string)
	HDel(key string, fields ...string)
	SAdd(key, member string)
	SRem(key, member string)
}

// Bus is the publish/subscribe transport: at-most-once, ordered within a channel,
// delivered only to current subscribers.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is live.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

type Subscription interface {
	// Messages is closed once the subscription is closed.
	Messages() <-chan []byte
	Close() error
}
