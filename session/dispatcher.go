package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wfchat/domain"
	"wfchat/errors"
	"wfchat/runtime"

	"github.com/samber/lo"
)

const genericFailure = "Something went wrong, please try again."

var (
	errQuit           = fmt.Errorf("client quit")
	errConnectionLost = fmt.Errorf("connection lost while waiting for an answer")
)

// Censor rewrites a post body before it is published and returns the words it hid.
type Censor interface {
	Censor(text string) (string, []string)
}

type handlerFunc func(ctx context.Context, s *Session, args []string) error

type command struct {
	name    string
	handler handlerFunc
}

type DispatcherConfig struct {
	HistoryLimit int
	EchoUnrouted bool
}

// Dispatcher maps an input line to a command, or to a post in the current room.
type Dispatcher struct {
	registry  *runtime.Registry
	censor    Censor
	cfg       DispatcherConfig
	log       *slog.Logger
	commands  map[string]command
	help      []helpEntry
	helpIndex map[string]string
}

// NewDispatcher builds the command table. censor may be nil.
func NewDispatcher(registry *runtime.Registry, censor Censor, cfg DispatcherConfig, log *slog.Logger) (*Dispatcher, error) {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	d := &Dispatcher{registry: registry, censor: censor, cfg: cfg, log: log}
	table := []command{
		{"/help", d.helpCommand},
		{"/rooms", d.rooms},
		{"/join", d.join},
		{"/leave", d.leave},
		{"/create", d.create},
		{"/about", d.about},
		{"/dedit", d.dedit},
		{"/motd", d.motd},
		{"/medit", d.medit},
		{"/msg", d.msg},
		{"/history", d.history},
		{"/destroy", d.destroy},
		{"/quit", d.quit},
	}
	if err := d.install(table, helpTable); err != nil {
		return nil, err
	}
	return d, nil
}

// install checks that commands and help entries name exactly the same set.
func (d *Dispatcher) install(table []command, help []helpEntry) error {
	commands := lo.SliceToMap(table, func(c command) (string, command) { return c.name, c })
	helpIndex := lo.SliceToMap(help, func(h helpEntry) (string, string) { return h.name, h.description })
	if len(commands) != len(table) || len(helpIndex) != len(help) {
		return fmt.Errorf("%w: duplicated entry", errors.ErrInvalidHelpTable)
	}
	missingHelp, missingCommand := lo.Difference(lo.Keys(commands), lo.Keys(helpIndex))
	if len(missingHelp) > 0 || len(missingCommand) > 0 {
		return fmt.Errorf("%w: without help %v, without command %v",
			errors.ErrInvalidHelpTable, missingHelp, missingCommand)
	}
	d.commands = commands
	d.help = help
	d.helpIndex = helpIndex
	return nil
}

// Dispatch runs one input line and reports whether the session must end.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, known := d.commands[fields[0]]
	if !known {
		d.post(ctx, s, line)
		return false
	}

	s.Echo(line)
	err := cmd.handler(ctx, s, fields[1:])
	switch {
	case err == nil:
		return false
	case errors.Is(err, errQuit), errors.Is(err, errConnectionLost):
		return true
	default:
		d.log.Warn("Command failed", "command", cmd.name, "user", s.User().ID, "error", err)
		s.Send(genericFailure)
		return false
	}
}

// post publishes unrouted input in the current room. Without a room it is
// dropped unless echoing is enabled.
func (d *Dispatcher) post(ctx context.Context, s *Session, line string) {
	room := s.Room()
	if room == nil {
		if d.cfg.EchoUnrouted {
			s.Echo(line)
		}
		return
	}
	message := domain.NewPost(s.User().ID, d.moderate(s, line))
	if _, err := room.Post(ctx, message); err != nil {
		d.log.Warn("Post failed", "room", room.Name(), "user", s.User().ID, "error", err)
		s.Send(genericFailure)
	}
}

func (d *Dispatcher) moderate(s *Session, body string) string {
	if d.censor == nil {
		return body
	}
	censored, words := d.censor.Censor(body)
	if len(words) > 0 {
		d.log.Debug("Post censored", "user", s.User().ID, "words", words)
	}
	return censored
}
