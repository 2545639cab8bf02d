package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"wfchat/auth"
	"wfchat/domain"
	"wfchat/errors"
	"wfchat/runtime"

	"github.com/samber/lo"
)

const notInRoom = "You are not currently in a room"

func (d *Dispatcher) helpCommand(_ context.Context, s *Session, args []string) error {
	if len(args) == 0 {
		for _, entry := range d.help {
			s.Send(fmt.Sprintf("%s: %s", entry.name, entry.description))
		}
		return nil
	}
	d.usage(s, args[0])
	return nil
}

// usage prints the help of one command. The leading slash is optional.
func (d *Dispatcher) usage(s *Session, name string) {
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	description, found := d.helpIndex[name]
	if !found {
		s.Send(fmt.Sprintf("No command %q found", name))
		return
	}
	s.Send(description)
}

func (d *Dispatcher) rooms(_ context.Context, s *Session, _ []string) error {
	names := d.registry.Names()
	if len(names) == 0 {
		s.Send("No active rooms")
		return nil
	}
	for _, name := range names {
		s.Send(fmt.Sprintf(" * %s", name))
	}
	return nil
}

func (d *Dispatcher) join(ctx context.Context, s *Session, args []string) error {
	if len(args) < 1 {
		d.usage(s, "/join")
		return nil
	}
	name := args[0]
	room, found := d.registry.Get(name)
	if !found {
		s.Send(fmt.Sprintf("No room named %q exists!", name))
		return nil
	}
	current := s.Room()
	if current == room {
		s.Send(fmt.Sprintf("You are already in %q", name))
		return nil
	}
	if current != nil {
		if err := d.leaveRoom(ctx, s, current); err != nil {
			return err
		}
	}

	if err := room.AddUser(ctx, s); err != nil {
		if errors.Is(err, errors.ErrRoomDestroyed) {
			s.Send(fmt.Sprintf("No room named %q exists!", name))
			return nil
		}
		return err
	}

	s.Send(fmt.Sprintf("Entering room: %s", room.Name()))
	members, err := room.ListMembers(ctx)
	if err != nil {
		return err
	}
	self := s.User().ID
	for _, member := range members {
		suffix := ""
		if member.ID == self {
			suffix = "(** this is you)"
		}
		s.Send(fmt.Sprintf(" * %s%s", member.Name, suffix))
	}
	s.Send("end of list.")
	d.showMotd(ctx, s, room, false)
	return nil
}

func (d *Dispatcher) leave(ctx context.Context, s *Session, _ []string) error {
	room := s.Room()
	if room == nil {
		s.Send(notInRoom)
		return nil
	}
	return d.leaveRoom(ctx, s, room)
}

func (d *Dispatcher) leaveRoom(ctx context.Context, s *Session, room *runtime.Room) error {
	if err := room.RemoveUser(ctx, s); err != nil {
		return err
	}
	s.Send(fmt.Sprintf("You have left %q", room.Name()))
	return nil
}

// create claims a room name. The optional second word is the description and
// the rest of the line the message of the day.
func (d *Dispatcher) create(ctx context.Context, s *Session, args []string) error {
	if len(args) < 1 {
		d.usage(s, "/create")
		return nil
	}
	name := args[0]
	if err := auth.ValidateRoomName(name); err != nil {
		s.Send("Room names are made of letters, digits, '_', '.' and '-' (48 at most)")
		return nil
	}
	options := domain.RoomOptions{Creator: s.User().ID}
	if len(args) > 1 {
		options.Description = args[1]
	}
	if len(args) > 2 {
		options.Motd = strings.Join(args[2:], " ")
	}

	_, created, err := d.registry.CreateOrAttach(ctx, name, options)
	if err != nil {
		return err
	}
	if !created {
		s.Send(fmt.Sprintf("A room named %q already exists", name))
		return nil
	}
	s.Send(fmt.Sprintf("New room %q created successfully", name))
	return nil
}

func (d *Dispatcher) about(ctx context.Context, s *Session, _ []string) error {
	room := s.Room()
	if room == nil {
		s.Send(notInRoom)
		return nil
	}
	description := room.Options(ctx).Description
	if description == "" {
		s.Send("No description has been set for this room")
		return nil
	}
	s.Send(description)
	return nil
}

func (d *Dispatcher) dedit(ctx context.Context, s *Session, args []string) error {
	if len(args) == 0 {
		d.usage(s, "/dedit")
		return nil
	}
	room, ok := d.ownedRoom(ctx, s, "Only the room owner can change the description")
	if !ok {
		return nil
	}
	description := strings.Join(args, " ")
	if _, err := room.SetOptions(ctx, func(o domain.RoomOptions) domain.RoomOptions {
		o.Description = description
		return o
	}); err != nil {
		return err
	}
	s.Send(fmt.Sprintf("Updated description for %s to: %s", room.Name(), description))
	return nil
}

func (d *Dispatcher) motd(ctx context.Context, s *Session, _ []string) error {
	room := s.Room()
	if room == nil {
		s.Send(notInRoom)
		return nil
	}
	d.showMotd(ctx, s, room, true)
	return nil
}

// showMotd prints the message of the day. Nothing is printed for an empty one
// unless the client asked for it.
func (d *Dispatcher) showMotd(ctx context.Context, s *Session, room *runtime.Room, explicit bool) {
	motd := room.Options(ctx).Motd
	switch {
	case motd != "":
		s.Send(fmt.Sprintf("Message of the day\n\t%s\n", motd))
	case explicit:
		s.Send("No message of the day has been set for this room")
	}
}

func (d *Dispatcher) medit(ctx context.Context, s *Session, args []string) error {
	if len(args) == 0 {
		d.usage(s, "/medit")
		return nil
	}
	room, ok := d.ownedRoom(ctx, s, "Only the room owner can change the MOTD")
	if !ok {
		return nil
	}
	motd := strings.Join(args, " ")
	if _, err := room.SetOptions(ctx, func(o domain.RoomOptions) domain.RoomOptions {
		o.Motd = motd
		return o
	}); err != nil {
		return err
	}
	s.Send(fmt.Sprintf("Updated motd for %s to: %s", room.Name(), motd))
	return nil
}

// ownedRoom returns the current room when the session user created it,
// otherwise it tells the client why and returns false.
func (d *Dispatcher) ownedRoom(ctx context.Context, s *Session, refusal string) (*runtime.Room, bool) {
	room := s.Room()
	if room == nil {
		s.Send(notInRoom)
		return nil, false
	}
	if !room.Options(ctx).IsCreator(s.User().ID) {
		s.Send(refusal)
		return nil, false
	}
	return room, true
}

// msg posts a message addressed to one member and to the sender.
func (d *Dispatcher) msg(ctx context.Context, s *Session, args []string) error {
	if len(args) < 2 {
		d.usage(s, "/msg")
		return nil
	}
	room := s.Room()
	if room == nil {
		s.Send(notInRoom)
		return nil
	}
	members, err := room.ListMembers(ctx)
	if err != nil {
		return err
	}
	target, found := lo.Find(members, func(u domain.User) bool { return u.Name == args[0] })
	if !found {
		s.Send(fmt.Sprintf("No user named %q in this room", args[0]))
		return nil
	}
	self := s.User().ID
	message := domain.NewPost(self, d.moderate(s, strings.Join(args[1:], " ")))
	message.To = lo.Uniq([]domain.UserID{target.ID, self})
	_, err = room.Post(ctx, message)
	return err
}

func (d *Dispatcher) history(ctx context.Context, s *Session, args []string) error {
	room := s.Room()
	if room == nil {
		s.Send(notInRoom)
		return nil
	}
	limit := d.cfg.HistoryLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			d.usage(s, "/history")
			return nil
		}
		limit = n
	}
	lines, err := room.History(ctx, s.User().ID, limit)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		s.Send("No messages archived yet")
		return nil
	}
	for _, line := range lines {
		s.Send(line)
	}
	return nil
}

// destroy asks for a confirmation read from the connection before tearing the room down.
func (d *Dispatcher) destroy(ctx context.Context, s *Session, _ []string) error {
	room, ok := d.ownedRoom(ctx, s, "Only the room's creator can destroy a room")
	if !ok {
		return nil
	}
	s.Send("This will kick all users from the room and remove it from the directory. Continue? [y/n]")
	answer, err := s.ReadLine()
	if err != nil {
		return fmt.Errorf("%w: %v", errConnectionLost, err)
	}
	if strings.ToLower(strings.TrimSpace(answer)) != "y" {
		s.Send("Destroy cancelled.")
		return nil
	}
	// The room may have been destroyed while waiting for the answer.
	if room.Destroyed() {
		s.Send(fmt.Sprintf("Room %q was already destroyed", room.Name()))
		return nil
	}
	err = d.registry.Destroy(ctx, room)
	if errors.Is(err, errors.ErrRoomDestroyed) {
		s.Send(fmt.Sprintf("Room %q was already destroyed", room.Name()))
		return nil
	}
	return err
}

func (d *Dispatcher) quit(_ context.Context, s *Session, _ []string) error {
	s.Send("Bye")
	return errQuit
}
