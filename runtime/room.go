package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wfchat/contract"
	"wfchat/domain"
	"wfchat/errors"
	"wfchat/repositories"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// SystemLabel replaces the sender name of messages published by the server itself.
const SystemLabel = "*"

// Member is a connection attached to a room on this process.
type Member interface {
	User() domain.User
	// Deliver queues a rendered line. outgoing marks an echo of the member's own message.
	Deliver(line string, outgoing bool)
	// SetRoom records the room the member is attached to, nil once detached.
	// Rooms call it while holding their own lock, so it must not call back into a Room.
	SetRoom(room *Room)
	Room() *Room
}

// Room is the process-local view of a durable room.
// The id, options, membership set and archive live in the store; only the
// connections attached from this process are held in memory.
type Room struct {
	id       domain.RoomID
	name     string
	channel  string
	deps     Dependencies
	log      *slog.Logger
	sub      contract.Subscription
	done     chan struct{}
	closeSub sync.Once

	mu        sync.RWMutex
	options   domain.RoomOptions
	local     map[domain.UserID]Member
	names     map[domain.UserID]string
	destroyed bool
}

// Dependencies groups what a Room needs to reach the shared state.
type Dependencies struct {
	Bus      contract.Bus
	Rooms    repositories.RoomRepository
	Users    repositories.IUserRepository
	Messages repositories.MessageRepository
}

// attachRoom loads the options of id, subscribes to its channel and starts the receive loop.
func attachRoom(ctx context.Context, deps Dependencies, id domain.RoomID, name string, log *slog.Logger) (*Room, error) {
	options, err := deps.Rooms.Options(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading options of room %s: %w", name, err)
	}
	r := &Room{
		id:      id,
		name:    name,
		channel: repositories.RoomChannel(id),
		deps:    deps,
		log:     log.With("room", name, "room_id", id),
		done:    make(chan struct{}),
		options: options,
		local:   make(map[domain.UserID]Member),
		names:   make(map[domain.UserID]string),
	}
	if err = r.refreshNames(ctx); err != nil {
		r.log.Warn("Could not warm up member names", "error", err)
	}
	sub, err := deps.Bus.Subscribe(ctx, r.channel)
	if err != nil {
		return nil, fmt.Errorf("subscribing room %s: %w", name, err)
	}
	r.sub = sub
	go r.listen()
	r.log.Debug("Room attached")
	return r, nil
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) Name() string { return r.name }

func (r *Room) Destroyed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destroyed
}

// Options re-reads the options from the store so that edits made from another
// process are visible. The cached copy is returned when the store fails.
func (r *Room) Options(ctx context.Context) domain.RoomOptions {
	options, err := r.deps.Rooms.Options(ctx, r.id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Warn("Using cached room options", "error", err)
		return r.options
	}
	r.options = options
	return options
}

// SetOptions applies update to the stored options. Last writer wins.
func (r *Room) SetOptions(ctx context.Context, update func(domain.RoomOptions) domain.RoomOptions) (domain.RoomOptions, error) {
	options, err := r.deps.Rooms.UpdateOptions(ctx, r.id, update)
	if err != nil {
		return domain.RoomOptions{}, err
	}
	r.mu.Lock()
	r.options = options
	r.mu.Unlock()
	return options, nil
}

// AddUser records the user in the durable membership, attaches the member locally
// and announces the join. Another local connection of the same user is detached first.
func (r *Room) AddUser(ctx context.Context, member Member) error {
	user := member.User()
	if r.Destroyed() {
		return errors.ErrRoomDestroyed
	}
	if err := r.deps.Rooms.AddMember(ctx, r.id, user.ID); err != nil {
		return fmt.Errorf("adding %s to room %s: %w", user.Name, r.name, err)
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return errors.ErrRoomDestroyed
	}
	previous, found := r.local[user.ID]
	replaced := found && previous != member
	r.local[user.ID] = member
	r.names[user.ID] = user.Name
	if replaced {
		previous.SetRoom(nil)
	}
	member.SetRoom(r)
	r.mu.Unlock()

	if replaced {
		previous.Deliver(fmt.Sprintf("You have been moved out of %q by another login", r.name), false)
	}

	if _, err := r.Post(ctx, domain.NewJoin(user.ID)); err != nil {
		r.log.Warn("Join announcement failed", "user", user.ID, "error", err)
	}
	return nil
}

// RemoveUser detaches member when it is the connection attached for its user.
// For a member that is not attached it only clears a room still pointing here.
func (r *Room) RemoveUser(ctx context.Context, member Member) error {
	user := member.User()
	r.mu.Lock()
	current, found := r.local[user.ID]
	if !found || current != member {
		if member.Room() == r {
			member.SetRoom(nil)
		}
		r.mu.Unlock()
		return nil
	}
	delete(r.local, user.ID)
	member.SetRoom(nil)
	destroyed := r.destroyed
	r.mu.Unlock()

	if destroyed {
		return nil
	}
	if err := r.deps.Rooms.RemoveMember(ctx, r.id, user.ID); err != nil {
		return fmt.Errorf("removing %s from room %s: %w", user.Name, r.name, err)
	}
	if _, err := r.Post(ctx, domain.NewLeave(user.ID)); err != nil {
		r.log.Warn("Leave announcement failed", "user", user.ID, "error", err)
	}
	return nil
}

// ListMembers resolves the durable membership, ordered by user id.
// Ids without credentials are skipped.
func (r *Room) ListMembers(ctx context.Context) ([]domain.User, error) {
	ids, err := r.deps.Rooms.Members(ctx, r.id)
	if err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		user, err := r.deps.Users.GetUser(ctx, id)
		if errors.Is(err, errors.ErrUserNotFound) {
			r.log.Warn("Skipping unknown member", "user", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

// LocalMembers returns the ids of the connections attached from this process.
func (r *Room) LocalMembers() []domain.UserID {
	r.mu.RLock()
	ids := lo.Keys(r.local)
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Post stamps the message, publishes it on the room channel, then archives it.
// The two writes are not atomic: a message can be delivered without being archived.
// Ids are UUIDv7, taken before the timestamp, so they sort in posting order.
func (r *Room) Post(ctx context.Context, message domain.Message) (domain.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Message{}, fmt.Errorf("message id: %w", err)
	}
	message.ID = id
	message.At = time.Now().UTC()
	payload, err := message.Encode()
	if err != nil {
		return domain.Message{}, err
	}
	if err = r.deps.Bus.Publish(ctx, r.channel, payload); err != nil {
		return domain.Message{}, fmt.Errorf("publishing on %s: %w", r.channel, err)
	}
	if err = r.deps.Messages.StoreMessage(ctx, r.id, message); err != nil {
		return message, err
	}
	return message, nil
}

// History renders the last limit archived messages, oldest first. Messages
// addressed to other members are left out, so fewer than limit lines may come back.
func (r *Room) History(ctx context.Context, viewer domain.UserID, limit int) ([]string, error) {
	messages, err := r.deps.Messages.GetMessages(ctx, r.id, limit)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(messages, func(m domain.Message, _ int) (string, bool) {
		if !m.IsAddressedTo(viewer) {
			return "", false
		}
		return fmt.Sprintf("[%s] %s", m.At.Format(time.TimeOnly), r.render(ctx, m)), true
	}), nil
}

func (r *Room) listen() {
	defer close(r.done)
	for payload := range r.sub.Messages() {
		r.dispatch(payload)
	}
}

func (r *Room) dispatch(payload []byte) {
	ctx := context.Background()
	message, err := domain.DecodeMessage(payload)
	if err != nil {
		r.log.Debug("Dropping malformed message", "error", err)
		return
	}

	line := r.render(ctx, message)

	r.mu.RLock()
	recipients := lo.PickBy(r.local, func(id domain.UserID, _ Member) bool {
		return message.IsAddressedTo(id)
	})
	r.mu.RUnlock()

	for id, member := range recipients {
		member.Deliver(line, message.IsFrom(id))
	}

	if message.Type == domain.MessageJoin || message.Type == domain.MessageLeave {
		if err = r.refreshNames(ctx); err != nil {
			r.log.Warn("Member names refresh failed", "error", err)
		}
	}
}

func (r *Room) render(ctx context.Context, message domain.Message) string {
	if message.From == nil {
		return fmt.Sprintf("%s: %s", SystemLabel, message.Body)
	}
	return fmt.Sprintf("%s: %s", r.displayName(ctx, *message.From), message.Body)
}

func (r *Room) displayName(ctx context.Context, id domain.UserID) string {
	r.mu.RLock()
	name, found := r.names[id]
	r.mu.RUnlock()
	if found {
		return name
	}
	user, err := r.deps.Users.GetUser(ctx, id)
	if err != nil {
		r.log.Debug("Unresolved sender", "user", id, "error", err)
		return id.String()
	}
	r.mu.Lock()
	r.names[id] = user.Name
	r.mu.Unlock()
	return user.Name
}

func (r *Room) refreshNames(ctx context.Context) error {
	members, err := r.ListMembers(ctx)
	if err != nil {
		return err
	}
	names := lo.SliceToMap(members, func(u domain.User) (domain.UserID, string) {
		return u.ID, u.Name
	})
	r.mu.Lock()
	r.names = names
	r.mu.Unlock()
	return nil
}

// teardown stops the receive loop and detaches every local member, sending them notice.
// Lines already queued on the subscription are delivered before the eviction.
// Durable membership and archive are left as they are.
func (r *Room) teardown(notice string) {
	r.mu.Lock()
	r.destroyed = true
	r.mu.Unlock()

	r.unsubscribe()

	r.mu.Lock()
	evicted := r.local
	r.local = make(map[domain.UserID]Member)
	for _, member := range evicted {
		member.SetRoom(nil)
	}
	r.mu.Unlock()

	if notice != "" {
		for _, member := range evicted {
			member.Deliver(notice, false)
		}
	}
	r.log.Debug("Room detached", "evicted", len(evicted))
}

func (r *Room) unsubscribe() {
	r.closeSub.Do(func() {
		if err := r.sub.Close(); err != nil {
			r.log.Warn("Closing room subscription failed", "error", err)
		}
		<-r.done
	})
}
