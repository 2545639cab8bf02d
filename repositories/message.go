package repositories

import (
	"context"
	"fmt"
	"log/slog"

	"wfchat/contract"
	"wfchat/domain"

	"github.com/samber/lo"
)

// MessageRepository appends to and reads from room:<id>:archive, a log scored by
// the server timestamp of each message in milliseconds, which a float64 holds exactly.
// Entries sharing a millisecond are ordered by their encoding, which starts with the
// time-ordered message id.
type MessageRepository struct {
	store contract.Store
	log   *slog.Logger
}

func NewMessageRepository(store contract.Store, log *slog.Logger) MessageRepository {
	return MessageRepository{store: store, log: log}
}

func (m MessageRepository) StoreMessage(ctx context.Context, room domain.RoomID, message domain.Message) error {
	payload, err := message.Encode()
	if err != nil {
		return err
	}
	if err = m.store.ZAppend(ctx, RoomArchiveKey(room), float64(message.At.UnixMilli()), string(payload)); err != nil {
		return fmt.Errorf("archiving message %s: %w", message.ID, err)
	}
	return nil
}

// GetMessages returns at most limit of the latest archived messages, oldest first.
// Entries that cannot be decoded are skipped.
func (m MessageRepository) GetMessages(ctx context.Context, room domain.RoomID, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := m.store.ZRange(ctx, RoomArchiveKey(room), int64(-limit), -1)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(raw, func(item string, _ int) (domain.Message, bool) {
		message, err := domain.DecodeMessage([]byte(item))
		if err != nil {
			m.log.Debug("Skipping undecodable archive entry", "room", room, "error", err)
			return domain.Message{}, false
		}
		return message, true
	}), nil
}

func (m MessageRepository) CountMessages(ctx context.Context, room domain.RoomID) (int64, error) {
	return m.store.ZCard(ctx, RoomArchiveKey(room))
}
