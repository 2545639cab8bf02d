package repositories

import (
	"context"
	"fmt"
	"log/slog"

	"wfchat/contract"
	"wfchat/domain"
)

// RoomRepository owns the durable directory (rooms), the options (room:<id>:info)
// and the membership set (room:<id>:users) of every room.
type RoomRepository struct {
	store contract.Store
	log   *slog.Logger
}

func NewRoomRepository(store contract.Store, log *slog.Logger) RoomRepository {
	return RoomRepository{store: store, log: log}
}

func (r RoomRepository) Lookup(ctx context.Context, name string) (domain.RoomID, bool, error) {
	raw, found, err := r.store.HGet(ctx, RoomIDMap, name)
	if err != nil || !found {
		return 0, false, err
	}
	id, err := domain.ParseRoomID(raw)
	if err != nil {
		return 0, false, fmt.Errorf("corrupted id %q for room %s: %w", raw, name, err)
	}
	return id, true, nil
}

// Directory returns every visible (name, id) pair. Entries with a corrupted id are skipped.
func (r RoomRepository) Directory(ctx context.Context) (map[string]domain.RoomID, error) {
	raw, err := r.store.HGetAll(ctx, RoomIDMap)
	if err != nil {
		return nil, err
	}
	directory := make(map[string]domain.RoomID, len(raw))
	for name, value := range raw {
		id, err := domain.ParseRoomID(value)
		if err != nil {
			r.log.Warn("Skipping room with corrupted id", "room", name, "value", value)
			continue
		}
		directory[name] = id
	}
	return directory, nil
}

// Allocate returns the id bound to name, creating it when the name is free.
// A fresh id is taken from seq:room.id and its options are written before the
// directory entry is claimed with HSETNX, so that a room visible in the
// directory always has options. When the claim loses against a concurrent
// allocator the fresh id is abandoned and the winner's id is returned.
func (r RoomRepository) Allocate(ctx context.Context, name string, options domain.RoomOptions) (domain.RoomID, bool, error) {
	if id, found, err := r.Lookup(ctx, name); err != nil || found {
		return id, false, err
	}

	next, err := r.store.Incr(ctx, SeqRoomID)
	if err != nil {
		return 0, false, fmt.Errorf("allocating room id: %w", err)
	}
	candidate := domain.RoomID(next)
	if err = r.SaveOptions(ctx, candidate, options); err != nil {
		return 0, false, err
	}

	won, err := r.store.HSetNX(ctx, RoomIDMap, name, candidate.String())
	if err != nil {
		return 0, false, fmt.Errorf("claiming room name %s: %w", name, err)
	}
	if won {
		return candidate, true, nil
	}

	r.log.Debug("Room allocation race lost, attaching to winner", "room", name, "abandoned_id", candidate)
	id, found, err := r.Lookup(ctx, name)
	if err != nil {
		return 0, false, err
	}
	if !found {
		// The winner was destroyed in between: the name is free again.
		return r.Allocate(ctx, name, options)
	}
	return id, false, nil
}

// Unlist removes the name from the directory while it is still bound to id and
// reports whether it did. Options, members and archive are kept.
func (r RoomRepository) Unlist(ctx context.Context, name string, id domain.RoomID) (bool, error) {
	unlisted, err := r.store.HDelIfEqual(ctx, RoomIDMap, name, id.String())
	if err != nil {
		return false, fmt.Errorf("unlisting room %s: %w", name, err)
	}
	return unlisted, nil
}

func (r RoomRepository) Options(ctx context.Context, id domain.RoomID) (domain.RoomOptions, error) {
	fields, err := r.store.HGetAll(ctx, RoomInfoKey(id))
	if err != nil {
		return domain.RoomOptions{}, err
	}
	return domain.RoomOptionsFromFields(fields), nil
}

func (r RoomRepository) SaveOptions(ctx context.Context, id domain.RoomID, options domain.RoomOptions) error {
	err := r.store.Multi(ctx, func(tx contract.Tx) {
		tx.HSet(RoomInfoKey(id), options.Fields())
	})
	if err != nil {
		return fmt.Errorf("saving options of room %d: %w", id, err)
	}
	return nil
}

// UpdateOptions is a read-modify-write without optimistic locking: the last writer wins.
func (r RoomRepository) UpdateOptions(ctx context.Context, id domain.RoomID, update func(domain.RoomOptions) domain.RoomOptions) (domain.RoomOptions, error) {
	current, err := r.Options(ctx, id)
	if err != nil {
		return domain.RoomOptions{}, err
	}
	next := update(current)
	if err = r.SaveOptions(ctx, id, next); err != nil {
		return domain.RoomOptions{}, err
	}
	return next, nil
}

func (r RoomRepository) AddMember(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	_, err := r.store.SAdd(ctx, RoomUsersKey(id), user.String())
	return err
}

func (r RoomRepository) RemoveMember(ctx context.Context, id domain.RoomID, user domain.UserID) error {
	return r.store.SRem(ctx, RoomUsersKey(id), user.String())
}

// Members returns the durable membership sorted by user id.
func (r RoomRepository) Members(ctx context.Context, id domain.RoomID) ([]domain.UserID, error) {
	raw, err := r.store.SMembers(ctx, RoomUsersKey(id))
	if err != nil {
		return nil, err
	}
	return parseUserIDs(raw, r.log), nil
}
