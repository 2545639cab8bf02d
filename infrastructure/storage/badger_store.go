package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"wfchat/contract"

	"github.com/dgraph-io/badger/v4"
)

const (
	keySeparator       = "\x00"
	maxConflictRetries = 32
)

// BadgerStore implements contract.Store on top of an embedded BadgerDB.
// It is meant for a single server process: Badger holds an exclusive lock on its directory.
//
// Key layout:
//   - counters  "c:{key}"
//   - hashes    "h:{key}\x00{field}"
//   - sets      "s:{key}\x00{member}"
//   - logs      "z:{key}\x00{score_padded}\x00{seq_padded}" -> member
//
// Scores and sequence numbers are zero padded to 20 digits so that the
// lexicographical order of keys is the chronological order of appends.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

// OpenBadgerStore opens (or creates) a BadgerDB at path. An empty path opens an in-memory store.
func OpenBadgerStore(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger opening failed: %w", err)
	}
	return NewBadgerStore(db, log), nil
}

// OpenBadgerStoreReadOnly opens an existing BadgerDB for inspection, even while a
// server process holds the directory lock. Writes fail.
func OpenBadgerStoreReadOnly(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger opening failed: %w", err)
	}
	return NewBadgerStore(db, log), nil
}

func counterKey(key string) []byte { return []byte("c:" + key) }

func hashPrefix(key string) []byte { return []byte("h:" + key + keySeparator) }

func hashKey(key, field string) []byte { return append(hashPrefix(key), field...) }

func setPrefix(key string) []byte { return []byte("s:" + key + keySeparator) }

func setKey(key, member string) []byte { return append(setPrefix(key), member...) }

func logPrefix(key string) []byte { return []byte("z:" + key + keySeparator) }

func logSeqKey(key string) []byte { return []byte("zs:" + key) }

// update runs fn in a read-write transaction and retries it when Badger reports
// a conflict with a concurrently committed transaction.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readInt(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func (s *BadgerStore) add(key string, delta int64) (int64, error) {
	var next int64
	err := s.update(func(txn *badger.Txn) error {
		current, err := readInt(txn, counterKey(key))
		if err != nil {
			return err
		}
		next = current + delta
		return txn.Set(counterKey(key), []byte(strconv.FormatInt(next, 10)))
	})
	return next, err
}

func (s *BadgerStore) Incr(_ context.Context, key string) (int64, error) {
	return s.add(key, 1)
}

func (s *BadgerStore) Decr(_ context.Context, key string) (int64, error) {
	return s.add(key, -1)
}

func (s *BadgerStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(key, field))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value, found = string(raw), true
		return nil
	})
	return value, found, err
}

func (s *BadgerStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	values := make(map[string]string)
	prefix := hashPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			field := string(item.Key()[len(prefix):])
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			values[field] = string(raw)
		}
		return nil
	})
	return values, err
}

func (s *BadgerStore) HSet(_ context.Context, key string, values map[string]string) error {
	return s.update(func(txn *badger.Txn) error {
		for field, value := range values {
			if err := txn.Set(hashKey(key, field), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	var written bool
	err := s.update(func(txn *badger.Txn) error {
		written = false
		_, err := txn.Get(hashKey(key, field))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		written = true
		return txn.Set(hashKey(key, field), []byte(value))
	})
	return written, err
}

func (s *BadgerStore) HDel(_ context.Context, key string, fields ...string) error {
	return s.update(func(txn *badger.Txn) error {
		for _, field := range fields {
			if err := txn.Delete(hashKey(key, field)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) HDelIfEqual(_ context.Context, key, field, value string) (bool, error) {
	var deleted bool
	err := s.update(func(txn *badger.Txn) error {
		deleted = false
		item, err := txn.Get(hashKey(key, field))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(current) != value {
			return nil
		}
		deleted = true
		return txn.Delete(hashKey(key, field))
	})
	return deleted, err
}

func (s *BadgerStore) SAdd(_ context.Context, key, member string) (bool, error) {
	var added bool
	err := s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(setKey(key, member))
		switch {
		case err == nil:
			added = false
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			added = true
			return txn.Set(setKey(key, member), nil)
		default:
			return err
		}
	})
	return added, err
}

func (s *BadgerStore) SRem(_ context.Context, key, member string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(setKey(key, member))
	})
}

func (s *BadgerStore) SMembers(_ context.Context, key string) ([]string, error) {
	var members []string
	prefix := setPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			members = append(members, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return members, err
}

// ZAppend stores member under "z:{key}\x00{score}\x00{seq}". The per-log sequence
// keeps appends with an identical score in insertion order.
func (s *BadgerStore) ZAppend(_ context.Context, key string, score float64, member string) error {
	if score < 0 {
		score = 0
	}
	return s.update(func(txn *badger.Txn) error {
		seq, err := readInt(txn, logSeqKey(key))
		if err != nil {
			return err
		}
		seq++
		if err = txn.Set(logSeqKey(key), []byte(strconv.FormatInt(seq, 10))); err != nil {
			return err
		}
		entry := fmt.Sprintf("%s%020d%s%020d", logPrefix(key), int64(score), keySeparator, seq)
		return txn.Set([]byte(entry), []byte(member))
	})
}

// ZRange walks the log from its head, or from its tail when both indexes are
// negative, so that reading the latest entries does not scan the whole log.
func (s *BadgerStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if start < 0 && stop < 0 {
		return s.zRangeFromTail(key, -stop-1, stop-start+1)
	}
	if start < 0 || stop < 0 {
		n, err := s.ZCard(ctx, key)
		if err != nil {
			return nil, err
		}
		var ok bool
		if start, stop, ok = rangeBounds(start, stop, n); !ok {
			return []string{}, nil
		}
	}
	return s.zRangeFromHead(key, start, stop-start+1)
}

func (s *BadgerStore) zRangeFromHead(key string, skip, count int64) ([]string, error) {
	values := make([]string, 0)
	if count <= 0 {
		return values, nil
	}
	prefix := logPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		var i int64
		for it.Seek(prefix); it.ValidForPrefix(prefix) && int64(len(values)) < count; it.Next() {
			if i++; i <= skip {
				continue
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, string(raw))
		}
		return nil
	})
	return values, err
}

// zRangeFromTail collects count entries, newest first after skipping the skip
// newest ones, and returns them oldest first.
func (s *BadgerStore) zRangeFromTail(key string, skip, count int64) ([]string, error) {
	values := make([]string, 0)
	if count <= 0 {
		return values, nil
	}
	prefix := logPrefix(key)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		var i int64
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && int64(len(values)) < count; it.Next() {
			if i++; i <= skip {
				continue
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, string(raw))
		}
		return nil
	})
	slices.Reverse(values)
	return values, err
}

// ZCard reads the append counter of the log: entries are never removed.
func (s *BadgerStore) ZCard(_ context.Context, key string) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = readInt(txn, logSeqKey(key))
		return err
	})
	return count, err
}

// rangeBounds converts Redis style start/stop indexes into slice bounds.
func rangeBounds(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

type badgerTx struct {
	ops []func(txn *badger.Txn) error
}

func (t *badgerTx) HSet(key string, values map[string]string) {
	for field, value := range values {
		k, v := hashKey(key, field), []byte(value)
		t.ops = append(t.ops, func(txn *badger.Txn) error { return txn.Set(k, v) })
	}
}

func (t *badgerTx) HDel(key string, fields ...string) {
	for _, field := range fields {
		k := hashKey(key, field)
		t.ops = append(t.ops, func(txn *badger.Txn) error { return txn.Delete(k) })
	}
}

func (t *badgerTx) SAdd(key, member string) {
	k := setKey(key, member)
	t.ops = append(t.ops, func(txn *badger.Txn) error { return txn.Set(k, nil) })
}

func (t *badgerTx) SRem(key, member string) {
	k := setKey(key, member)
	t.ops = append(t.ops, func(txn *badger.Txn) error { return txn.Delete(k) })
}

func (s *BadgerStore) Multi(_ context.Context, fn func(tx contract.Tx)) error {
	tx := &badgerTx{}
	fn(tx)
	if len(tx.ops) == 0 {
		return nil
	}
	return s.update(func(txn *badger.Txn) error {
		for _, op := range tx.ops {
			if err := op(txn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	s.log.Info("Closing BadgerDB...")
	return s.db.Close()
}
