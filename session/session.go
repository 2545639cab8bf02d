// Package session drives one client connection: login, command loop and cleanup.
package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"wfchat/auth"
	"wfchat/domain"
	"wfchat/errors"
	"wfchat/runtime"
	"wfchat/services"
)

const (
	incomingPrefix = "<= "
	outgoingPrefix = "=> "

	flushTimeout   = 2 * time.Second
	cleanupTimeout = 5 * time.Second
)

type State int

const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	LoginRetries   int
	LoginTimeout   time.Duration
	ActiveTimeout  time.Duration
	// WriteTimeout bounds each socket write; a client that stops reading is disconnected.
	WriteTimeout   time.Duration
	OutgoingBuffer int
}

// Session owns a connection. The goroutine calling Run is the only reader;
// a dedicated writer goroutine is the only writer.
type Session struct {
	conn       net.Conn
	reader     *bufio.Reader
	cfg        Config
	auth       services.IAuthService
	dispatcher *Dispatcher
	log        *slog.Logger

	outMu      sync.RWMutex
	out        chan string
	closed     bool
	writerDone chan struct{}
	closeOnce  sync.Once

	mu    sync.RWMutex
	state State
	user  domain.User
	room  *runtime.Room
}

func NewSession(conn net.Conn, cfg Config, authService services.IAuthService, dispatcher *Dispatcher, log *slog.Logger) *Session {
	if cfg.OutgoingBuffer <= 0 {
		cfg.OutgoingBuffer = 64
	}
	return &Session{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		cfg:        cfg,
		auth:       authService,
		dispatcher: dispatcher,
		log:        log.With("remote", conn.RemoteAddr().String()),
		out:        make(chan string, cfg.OutgoingBuffer),
		writerDone: make(chan struct{}),
	}
}

// Run serves the connection until it drops, the client quits or ctx is cancelled.
// Cancelling ctx closes the socket, which makes the pending read fail and the
// usual cleanup run.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	go s.write()
	defer s.close(ctx)

	s.log.Debug("Connection accepted")
	if err := s.login(ctx); err != nil {
		s.log.Debug("Login aborted", "error", err)
		return
	}
	s.serve(ctx)
}

func (s *Session) serve(ctx context.Context) {
	for {
		line, err := s.ReadLine()
		if err != nil {
			s.log.Debug("Connection lost", "user", s.User().ID, "error", err)
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if quit := s.dispatcher.Dispatch(ctx, s, line); quit {
			return
		}
	}
}

// login runs the authentication attempts. It returns nil once a user is authenticated.
func (s *Session) login(ctx context.Context) error {
	s.setState(StateAuthenticating)
	s.Send("Welcome to the WFCHAT server!")

	for retriesLeft := s.cfg.LoginRetries - 1; retriesLeft >= 0; retriesLeft-- {
		user, ok, err := s.attempt(ctx)
		if err != nil {
			return err
		}
		if ok {
			s.authenticated(ctx, user)
			return nil
		}
		if retriesLeft > 0 {
			s.Send(fmt.Sprintf("Bad username or password. Please try again (retries left: %d)", retriesLeft))
		} else {
			s.Send("Bad username or password.")
		}
	}
	s.Send("Too many retries. Disconnecting.")
	return errors.ErrInvalidCredentials
}

// attempt runs one username/password exchange. ok is false for a failed attempt;
// err is only set when the connection cannot be read anymore.
func (s *Session) attempt(ctx context.Context) (domain.User, bool, error) {
	s.Send("Username?")
	name, err := s.ReadLine()
	if err != nil {
		return domain.User{}, false, err
	}
	name = strings.TrimSpace(name)
	if err = auth.ValidateUsername(name); err != nil {
		return domain.User{}, false, nil
	}

	exists, err := s.auth.Exists(ctx, name)
	if err != nil {
		s.log.Warn("Username lookup failed", "error", err)
		s.Send(genericFailure)
		return domain.User{}, false, nil
	}

	register := false
	if !exists {
		for {
			s.Send("Username does not exist on this server! Create an account? [y/n]")
			answer, err := s.ReadLine()
			if err != nil {
				return domain.User{}, false, err
			}
			answer = strings.ToLower(strings.TrimSpace(answer))
			if answer == "n" {
				return domain.User{}, false, nil
			}
			if answer == "y" {
				register = true
				break
			}
		}
	}

	s.Send("Password:")
	password, err := s.ReadLine()
	if err != nil {
		return domain.User{}, false, err
	}

	if register {
		user, err := s.auth.Register(ctx, name, password)
		switch {
		case err == nil:
			s.Send("Account created successfully!")
			return user, true, nil
		case errors.Is(err, errors.ErrInvalidPassword):
			s.Send("Passwords must be between 4 and 72 characters long.")
		case errors.Is(err, errors.ErrUserAlreadyExists):
			s.Send("Could not create account.")
		default:
			s.log.Warn("Registration failed", "username", name, "error", err)
			s.Send("Could not create account.")
		}
		return domain.User{}, false, nil
	}

	user, err := s.auth.Login(ctx, name, password)
	if err != nil {
		if !errors.Is(err, errors.ErrInvalidCredentials) {
			s.log.Warn("Login failed", "username", name, "error", err)
		}
		return domain.User{}, false, nil
	}
	s.Send(fmt.Sprintf("Welcome back, %s", user.Name))
	return user, true, nil
}

func (s *Session) authenticated(ctx context.Context, user domain.User) {
	s.mu.Lock()
	s.user = user
	s.state = StateAuthenticated
	s.mu.Unlock()
	if err := s.auth.Activate(ctx, user); err != nil {
		s.log.Warn("Could not mark user active", "user", user.ID, "error", err)
	}
	s.log.Info("User authenticated", "user", user.ID, "name", user.Name)
}

// ReadLine blocks for the next line, without its terminator. The deadline depends
// on the state: short while authenticating, long once authenticated.
func (s *Session) ReadLine() (string, error) {
	timeout := s.cfg.ActiveTimeout
	if s.State() != StateAuthenticated {
		timeout = s.cfg.LoginTimeout
	}
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", err
		}
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Send queues a server line, waiting for room in the queue. Multi-line text is
// written as one block with the prefix on its first line only, and a trailing
// newline does not produce an empty line.
func (s *Session) Send(text string) {
	s.enqueue(incomingPrefix+strings.TrimRight(text, "\n"), true)
}

// Echo queues a line reflecting the client's own input.
func (s *Session) Echo(text string) {
	s.enqueue(outgoingPrefix+strings.TrimRight(text, "\n"), true)
}

// Deliver queues a room line without blocking; it is dropped when the client lags.
func (s *Session) Deliver(line string, outgoing bool) {
	prefix := incomingPrefix
	if outgoing {
		prefix = outgoingPrefix
	}
	if !s.enqueue(prefix+line, false) {
		s.log.Warn("Outgoing queue full, dropping room message", "user", s.User().ID)
	}
}

// enqueue reports false only when a line had to be dropped. Lines sent after
// close are discarded silently.
func (s *Session) enqueue(line string, wait bool) bool {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	if s.closed {
		return true
	}
	if wait {
		s.out <- line
		return true
	}
	select {
	case s.out <- line:
		return true
	default:
		return false
	}
}

// write is the only writer of the socket. After a failed write the socket is
// closed, which also ends the read loop, and the queue is only drained so that
// no sender stays blocked.
func (s *Session) write() {
	defer close(s.writerDone)
	broken := false
	for line := range s.out {
		if broken {
			continue
		}
		if s.cfg.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
			s.log.Debug("Write failed, closing connection", "error", err)
			broken = true
			_ = s.conn.Close()
		}
	}
}

func (s *Session) User() domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Room() *runtime.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *Session) SetRoom(room *runtime.Room) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// close detaches the session from its room, marks the user inactive, flushes the
// pending lines and closes the socket.
func (s *Session) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()

		if room := s.Room(); room != nil {
			if err := room.RemoveUser(cleanupCtx, s); err != nil {
				s.log.Warn("Could not leave room on close", "room", room.Name(), "user", s.User().ID, "error", err)
			}
		}
		if s.State() == StateAuthenticated {
			if err := s.auth.Deactivate(cleanupCtx, s.User()); err != nil {
				s.log.Warn("Could not mark user inactive", "user", s.User().ID, "error", err)
			}
		}

		s.setState(StateClosed)
		s.outMu.Lock()
		s.closed = true
		close(s.out)
		s.outMu.Unlock()

		select {
		case <-s.writerDone:
		case <-time.After(flushTimeout):
			_ = s.conn.Close()
			<-s.writerDone
		}
		_ = s.conn.Close()
		s.log.Debug("Connection closed")
	})
}
