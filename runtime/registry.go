package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"wfchat/domain"
	"wfchat/errors"
	"wfchat/repositories"

	"github.com/samber/lo"
)

const (
	destroyAnnouncement = "This room is now being destroyed. Vacate the premises."
	evictionNotice      = "You have left %q: the room was destroyed"
)

// Stats is a snapshot of the rooms attached on this process.
type Stats struct {
	Rooms        int
	LocalMembers int
}

// Registry maps room names to the Room attached on this process.
// It is kept in line with the other processes through the control channel.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	deps  Dependencies
	log   *slog.Logger
}

func NewRegistry(deps Dependencies, log *slog.Logger) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		deps:  deps,
		log:   log,
	}
}

// Bootstrap attaches a Room for every entry of the durable directory.
// The process cannot serve with a partial view, so any failure is returned.
func (r *Registry) Bootstrap(ctx context.Context) error {
	directory, err := r.deps.Rooms.Directory(ctx)
	if err != nil {
		return fmt.Errorf("reading room directory: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, id := range directory {
		if _, err = r.attachLocked(ctx, name, id); err != nil {
			return err
		}
	}
	r.log.Info("Room registry bootstrapped", "rooms", len(r.rooms))
	return nil
}

// CreateOrAttach binds name to a durable id, allocating one when the name is free,
// and returns the local Room. created is true only for the call that claimed the name;
// that call also announces the room to the other processes.
func (r *Registry) CreateOrAttach(ctx context.Context, name string, options domain.RoomOptions) (*Room, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, created, err := r.deps.Rooms.Allocate(ctx, name, options)
	if err != nil {
		return nil, false, err
	}
	room, err := r.attachLocked(ctx, name, id)
	if err != nil {
		return nil, false, err
	}
	if created {
		r.announce(ctx, domain.ControlEvent{Type: domain.ControlCreate, RoomName: name, RoomID: id})
	}
	return room, created, nil
}

// attachLocked returns the local Room for (name, id). A local Room bound to another
// id is stale, the name having been destroyed and reused elsewhere, and gets replaced.
func (r *Registry) attachLocked(ctx context.Context, name string, id domain.RoomID) (*Room, error) {
	if existing, found := r.rooms[name]; found {
		if existing.ID() == id {
			return existing, nil
		}
		delete(r.rooms, name)
		existing.teardown(fmt.Sprintf(evictionNotice, name))
	}
	room, err := attachRoom(ctx, r.deps, id, name, r.log)
	if err != nil {
		return nil, err
	}
	r.rooms[name] = room
	return room, nil
}

func (r *Registry) Get(name string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, found := r.rooms[name]
	return room, found
}

// Names returns the names of the attached rooms, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := lo.Keys(r.rooms)
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Destroy unlists the room, warns its members, detaches it locally and tells the
// other processes to do the same. Archive and membership set are kept.
// A room already destroyed, here or on another process, yields errors.ErrRoomDestroyed
// and leaves the directory untouched, even when its name now belongs to a newer room.
func (r *Registry) Destroy(ctx context.Context, room *Room) error {
	if room.Destroyed() {
		return errors.ErrRoomDestroyed
	}
	unlisted, err := r.deps.Rooms.Unlist(ctx, room.Name(), room.ID())
	if err != nil {
		return err
	}
	if !unlisted {
		r.log.Info("Room was destroyed elsewhere", "room", room.Name(), "room_id", room.ID())
		r.forget(room)
		room.teardown(fmt.Sprintf(evictionNotice, room.Name()))
		return errors.ErrRoomDestroyed
	}
	if _, err = room.Post(ctx, domain.NewSystemPost(destroyAnnouncement)); err != nil {
		r.log.Warn("Destroy announcement failed", "room", room.Name(), "error", err)
	}

	r.forget(room)
	room.teardown(fmt.Sprintf(evictionNotice, room.Name()))
	r.announce(ctx, domain.ControlEvent{Type: domain.ControlDestroy, RoomName: room.Name(), RoomID: room.ID()})
	r.log.Info("Room destroyed", "room", room.Name(), "room_id", room.ID())
	return nil
}

// forget drops room from the registry unless its name is already bound to another Room.
func (r *Registry) forget(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, found := r.rooms[room.Name()]; found && current == room {
		delete(r.rooms, room.Name())
	}
}

// HandleControl applies an event received on the control channel.
// Malformed payloads are dropped.
func (r *Registry) HandleControl(ctx context.Context, payload []byte) {
	event, err := domain.DecodeControlEvent(payload)
	if err != nil {
		r.log.Debug("Dropping malformed control event", "error", err)
		return
	}

	switch event.Type {
	case domain.ControlCreate:
		r.attachAnnounced(ctx, event.RoomName)
	case domain.ControlDestroy:
		r.detach(event)
	}
}

func (r *Registry) attachAnnounced(ctx context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.rooms[name]; found {
		return
	}
	id, found, err := r.deps.Rooms.Lookup(ctx, name)
	if err != nil {
		r.log.Warn("Announced room lookup failed", "room", name, "error", err)
		return
	}
	if !found {
		r.log.Debug("Announced room is gone already", "room", name)
		return
	}
	if _, err = r.attachLocked(ctx, name, id); err != nil {
		r.log.Warn("Announced room could not be attached", "room", name, "error", err)
	}
}

func (r *Registry) detach(event domain.ControlEvent) {
	r.mu.Lock()
	room, found := r.rooms[event.RoomName]
	if !found || (event.RoomID != 0 && room.ID() != event.RoomID) {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, event.RoomName)
	r.mu.Unlock()

	room.teardown(fmt.Sprintf(evictionNotice, event.RoomName))
	r.log.Info("Room detached after remote destroy", "room", event.RoomName)
}

func (r *Registry) announce(ctx context.Context, event domain.ControlEvent) {
	payload, err := event.Encode()
	if err == nil {
		err = r.deps.Bus.Publish(ctx, repositories.ControlChannel, payload)
	}
	if err != nil {
		r.log.Warn("Control event not published", "type", event.Type, "room", event.RoomName, "error", err)
	}
}

// Shutdown detaches every room without touching the store.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	rooms := lo.Values(r.rooms)
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.teardown("")
	}
	r.log.Info("Room registry shut down", "rooms", len(rooms))
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Rooms: len(r.rooms),
		LocalMembers: lo.SumBy(lo.Values(r.rooms), func(room *Room) int {
			return len(room.LocalMembers())
		}),
	}
}

// Lookup returns the attached room or errors.ErrRoomNotFound.
func (r *Registry) Lookup(name string) (*Room, error) {
	room, found := r.Get(name)
	if !found {
		return nil, fmt.Errorf("%w: %s", errors.ErrRoomNotFound, name)
	}
	return room, nil
}
