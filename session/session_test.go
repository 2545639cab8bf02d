package session

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"wfchat/auth"
	"wfchat/contract"
	"wfchat/errors"
	"wfchat/infrastructure/pubsub"
	"wfchat/infrastructure/storage"
	"wfchat/repositories"
	"wfchat/runtime"
	"wfchat/runtime/workers"
	"wfchat/services"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

const readTimeout = 2 * time.Second

var testParams = auth.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

var testConfig = Config{
	LoginRetries:   3,
	LoginTimeout:   5 * time.Second,
	ActiveTimeout:  5 * time.Second,
	WriteTimeout:   5 * time.Second,
	OutgoingBuffer: 64,
}

// backend is the store and bus shared by every node of a test.
type backend struct {
	store contract.Store
	bus   contract.Bus
	users repositories.IUserRepository
	auth  services.IAuthService
	log   *slog.Logger
}

func newBackend(t *testing.T) *backend {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store, err := storage.OpenBadgerStore("", log)
	require.NoError(t, err)
	bus := pubsub.NewLocalBus(log, 128)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = store.Close()
	})
	users := repositories.NewUserRepository(store, log)
	return &backend{
		store: store,
		bus:   bus,
		users: users,
		auth:  services.NewAuthService(users, auth.NewArgon2Hasher(testParams)),
		log:   log,
	}
}

type node struct {
	addr     string
	registry *runtime.Registry
}

type nodeOptions struct {
	cfg      Config
	dispatch DispatcherConfig
	censor   Censor
}

// start runs one server process: registry, control watcher and TCP listener.
func (b *backend) start(t *testing.T, opts nodeOptions) *node {
	ctx, cancel := context.WithCancel(context.Background())
	registry := runtime.NewRegistry(runtime.Dependencies{
		Bus:      b.bus,
		Rooms:    repositories.NewRoomRepository(b.store, b.log),
		Users:    b.users,
		Messages: repositories.NewMessageRepository(b.store, b.log),
	}, b.log)

	watcher := workers.NewControlWatcher(b.bus, registry, b.log)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = watcher.Run(ctx)
	}()
	<-watcher.Ready()
	require.NoError(t, registry.Bootstrap(ctx))

	dispatcher, err := NewDispatcher(registry, opts.censor, opts.dispatch, b.log)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := NewServer(listener, opts.cfg, b.auth, dispatcher, b.log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = server.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		registry.Shutdown()
	})
	return &node{addr: server.Addr().String(), registry: registry}
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(line string) {
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *client) next() (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

// expect skips lines until want shows up and returns the skipped ones.
func (c *client) expect(want string) []string {
	c.t.Helper()
	var skipped []string
	for {
		line, err := c.next()
		require.NoError(c.t, err, "waiting for %q, got %v", want, skipped)
		if line == want {
			return skipped
		}
		skipped = append(skipped, line)
	}
}

// drain reads until the server closes the connection.
func (c *client) drain() []string {
	c.t.Helper()
	var lines []string
	for {
		line, err := c.next()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.t.Fatalf("connection still open after %v", lines)
			}
			return lines
		}
		lines = append(lines, line)
	}
}

func (c *client) register(name, password string) {
	c.expect("<= Username?")
	c.send(name)
	c.expect("<= Username does not exist on this server! Create an account? [y/n]")
	c.send("y")
	c.expect("<= Password:")
	c.send(password)
	c.expect("<= Account created successfully!")
}

func (c *client) login(name, password string) {
	c.expect("<= Username?")
	c.send(name)
	c.expect("<= Password:")
	c.send(password)
	c.expect("<= Welcome back, " + name)
}

func TestSession_RegisterThenLogin(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig})

	// Given a new user registering
	alice := dial(t, n.addr)
	alice.expect("<= Welcome to the WFCHAT server!")
	alice.register("alice", "s3cret")
	alice.send("/quit")
	alice.expect("<= Bye")
	alice.drain()

	// When the user comes back
	again := dial(t, n.addr)
	again.login("alice", "s3cret")

	// Then the account is active while connected
	req.Eventually(func() bool {
		active, err := b.users.ActiveUsers(context.Background())
		return err == nil && len(active) == 1
	}, readTimeout, 10*time.Millisecond)
	again.send("/quit")
	again.drain()
	req.Eventually(func() bool {
		active, err := b.users.ActiveUsers(context.Background())
		return err == nil && len(active) == 0
	}, readTimeout, 10*time.Millisecond)
}

func TestSession_LoginRetryBudget(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	_, err := b.auth.Register(context.Background(), "alice", "s3cret")
	req.NoError(err)
	n := b.start(t, nodeOptions{cfg: testConfig})
	c := dial(t, n.addr)

	// When three wrong passwords are given
	for _, left := range []string{"(retries left: 2)", "(retries left: 1)"} {
		c.expect("<= Username?")
		c.send("alice")
		c.expect("<= Password:")
		c.send("wrong")
		c.expect("<= Bad username or password. Please try again " + left)
	}
	c.expect("<= Username?")
	c.send("alice")
	c.expect("<= Password:")
	c.send("wrong")
	c.expect("<= Bad username or password.")

	// Then the connection is closed without a fourth prompt
	c.expect("<= Too many retries. Disconnecting.")
	rest := c.drain()
	req.NotContains(rest, "<= Username?")
}

func TestSession_DeclinedRegistrationCountsAsFailure(t *testing.T) {
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig})
	c := dial(t, n.addr)

	// When the user refuses to create the unknown account, after a bad answer
	c.expect("<= Username?")
	c.send("ghost")
	c.expect("<= Username does not exist on this server! Create an account? [y/n]")
	c.send("maybe")
	c.expect("<= Username does not exist on this server! Create an account? [y/n]")
	c.send("n")

	// Then the attempt is lost
	c.expect("<= Bad username or password. Please try again (retries left: 2)")
	c.expect("<= Username?")
}

func TestSession_WeakPasswordIsRejected(t *testing.T) {
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig})
	c := dial(t, n.addr)

	c.expect("<= Username?")
	c.send("alice")
	c.expect("<= Username does not exist on this server! Create an account? [y/n]")
	c.send("y")
	c.expect("<= Password:")
	c.send("abc")

	c.expect("<= Passwords must be between 4 and 72 characters long.")
	c.expect("<= Bad username or password. Please try again (retries left: 2)")
}

func TestSession_IdleLoginTimesOut(t *testing.T) {
	b := newBackend(t)
	cfg := testConfig
	cfg.LoginTimeout = 100 * time.Millisecond
	n := b.start(t, nodeOptions{cfg: cfg})
	c := dial(t, n.addr)

	// When the client never answers, the server hangs up
	c.expect("<= Username?")
	c.drain()
}

func TestSession_LobbyAcrossTwoNodes(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	n1 := b.start(t, nodeOptions{cfg: testConfig})
	n2 := b.start(t, nodeOptions{cfg: testConfig})

	alice := dial(t, n1.addr)
	alice.register("alice", "s3cret")
	bob := dial(t, n2.addr)
	bob.register("bob", "s3cret")

	// Given alice creates the lobby on the first node
	alice.send("/create lobby chat hi there")
	alice.expect("=> /create lobby chat hi there")
	alice.expect(`<= New room "lobby" created successfully`)
	req.Eventually(func() bool {
		_, found := n2.registry.Get("lobby")
		return found
	}, readTimeout, 10*time.Millisecond)

	// When bob joins on the second node
	bob.send("/join lobby")
	bob.expect("<= Entering room: lobby")
	bob.expect("<=  * bob(** this is you)")
	bob.expect("<= end of list.")
	bob.expect("<= Message of the day")
	bob.expect("\thi there")

	// When alice joins and posts
	alice.send("/join lobby")
	alice.expect("<=  * alice(** this is you)")
	alice.expect("<=  * bob")
	alice.expect("<= end of list.")
	alice.send("hello")

	// Then bob receives it as incoming and alice as her own echo
	bob.expect("<= alice: hello")
	alice.expect("=> alice: hello")

	// Then the room options are shared
	bob.send("/about")
	bob.expect("<= chat")

	// When alice destroys the room
	alice.send("/destroy")
	alice.expect("<= This will kick all users from the room and remove it from the directory. Continue? [y/n]")
	alice.send("y")
	alice.expect(`<= You have left "lobby": the room was destroyed`)

	// Then bob is evicted and the room is gone everywhere
	bob.expect(`<= You have left "lobby": the room was destroyed`)
	bob.send("/rooms")
	bob.expect("<= No active rooms")
	bob.send("/leave")
	bob.expect("<= You are not currently in a room")
	alice.send("/rooms")
	alice.expect("<= No active rooms")
}

func TestSession_OwnerOnlyCommands(t *testing.T) {
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig})
	alice := dial(t, n.addr)
	alice.register("alice", "s3cret")
	bob := dial(t, n.addr)
	bob.register("bob", "s3cret")

	alice.send("/create lobby")
	alice.expect(`<= New room "lobby" created successfully`)
	alice.send("/join lobby")
	alice.expect("<= end of list.")
	bob.send("/join lobby")
	bob.expect("<= end of list.")

	// When a member who did not create the room edits it
	bob.send("/dedit a description")
	bob.expect("<= Only the room owner can change the description")
	bob.send("/medit a motd")
	bob.expect("<= Only the room owner can change the MOTD")
	bob.send("/destroy")
	bob.expect("<= Only the room's creator can destroy a room")

	// When the creator edits it
	alice.send("/about")
	alice.expect("<= No description has been set for this room")
	alice.send("/motd")
	alice.expect("<= No message of the day has been set for this room")
	alice.send("/dedit general chat")
	alice.expect("<= Updated description for lobby to: general chat")
	alice.send("/medit be nice")
	alice.expect("<= Updated motd for lobby to: be nice")

	// Then everyone sees the new options
	bob.send("/about")
	bob.expect("<= general chat")
	bob.send("/motd")
	bob.expect("<= Message of the day")
	bob.expect("\tbe nice")

	// When the creator declines the destroy confirmation
	alice.send("/destroy")
	alice.expect("<= This will kick all users from the room and remove it from the directory. Continue? [y/n]")
	alice.send("no")
	alice.expect("<= Destroy cancelled.")

	// Then the room is still listed
	bob.send("/rooms")
	bob.expect("<=  * lobby")
}

func TestSession_RoomCommands(t *testing.T) {
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig})
	alice := dial(t, n.addr)
	alice.register("alice", "s3cret")

	alice.send("/rooms")
	alice.expect("<= No active rooms")
	alice.send("/join nowhere")
	alice.expect(`<= No room named "nowhere" exists!`)
	alice.send("/leave")
	alice.expect("<= You are not currently in a room")
	alice.send("/create bad/name")
	alice.expect("<= Room names are made of letters, digits, '_', '.' and '-' (48 at most)")

	alice.send("/create lobby")
	alice.expect(`<= New room "lobby" created successfully`)
	alice.send("/create lobby")
	alice.expect(`<= A room named "lobby" already exists`)
	alice.send("/create games")
	alice.expect(`<= New room "games" created successfully`)
	alice.send("/rooms")
	alice.expect("<=  * games")
	alice.expect("<=  * lobby")

	alice.send("/join lobby")
	alice.expect("<= end of list.")
	alice.send("/join lobby")
	alice.expect(`<= You are already in "lobby"`)

	// Switching rooms leaves the previous one first
	alice.send("/join games")
	alice.expect(`<= You have left "lobby"`)
	alice.expect("<= Entering room: games")
	alice.send("/leave")
	alice.expect(`<= You have left "games"`)
}

func TestSession_PrivateMessagesAndHistory(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig, dispatch: DispatcherConfig{HistoryLimit: 3}})
	alice := dial(t, n.addr)
	alice.register("alice", "s3cret")
	bob := dial(t, n.addr)
	bob.register("bob", "s3cret")
	carol := dial(t, n.addr)
	carol.register("carol", "s3cret")

	alice.send("/create lobby")
	alice.expect(`<= New room "lobby" created successfully`)
	for _, c := range []*client{alice, bob, carol} {
		c.send("/join lobby")
		c.expect("<= end of list.")
	}

	// When alice whispers to bob
	alice.send("/msg dave hi")
	alice.expect(`<= No user named "dave" in this room`)
	alice.send("/msg bob just for you")
	alice.send("for everyone")

	// Then carol only sees the broadcast
	bob.expect("<= alice: just for you")
	bob.expect("<= alice: for everyone")
	skipped := carol.expect("<= alice: for everyone")
	req.NotContains(skipped, "<= alice: just for you")

	// Then the history of each member only shows what was addressed to them
	bob.send("/history")
	bob.expect("=> /history")
	req.Equal([]string{"carol: joined the room", "alice: just for you", "alice: for everyone"}, historyLines(t, bob, 3))

	carol.send("/history")
	carol.expect("=> /history")
	req.Equal([]string{"carol: joined the room", "alice: for everyone"}, historyLines(t, carol, 2))

	carol.send("/history x")
	carol.expect("<= Displays the latest messages of the current room")
}

// historyLines reads n archived lines and strips their prefix and timestamp.
func historyLines(t *testing.T, c *client, n int) []string {
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := c.next()
		require.NoError(t, err)
		_, body, found := strings.Cut(line, "] ")
		require.True(t, found, line)
		lines = append(lines, body)
	}
	return lines
}

func TestSession_HelpAndUnroutedInput(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig})
	alice := dial(t, n.addr)
	alice.register("alice", "s3cret")

	// Input outside of any room is dropped
	alice.send("is anybody there?")
	alice.send("/rooms")
	skipped := alice.expect("=> /rooms")
	req.Empty(skipped)

	alice.send("/help")
	alice.expect("<= /help: Displays an explanation of a given command")
	alice.expect("<= /quit: Disconnects from the server")
	alice.send("/help join")
	alice.expect("<= Join a room")
	alice.expect("\tusage: /join roomname")
	alice.send("/help nope")
	alice.expect(`<= No command "/nope" found`)
	alice.send("/join")
	alice.expect("\tusage: /join roomname")
}

func TestSession_EchoUnroutedInput(t *testing.T) {
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig, dispatch: DispatcherConfig{EchoUnrouted: true}})
	alice := dial(t, n.addr)
	alice.register("alice", "s3cret")

	alice.send("is anybody there?")
	alice.expect("=> is anybody there?")
}

type fakeCensor struct{}

func (fakeCensor) Censor(text string) (string, []string) {
	if !strings.Contains(text, "darn") {
		return text, nil
	}
	return strings.ReplaceAll(text, "darn", "****"), []string{"darn"}
}

func TestSession_PostsAreModerated(t *testing.T) {
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig, censor: fakeCensor{}})
	alice := dial(t, n.addr)
	alice.register("alice", "s3cret")
	alice.send("/create lobby")
	alice.expect(`<= New room "lobby" created successfully`)
	alice.send("/join lobby")
	alice.expect("<= end of list.")

	alice.send("oh darn it")

	alice.expect("=> alice: oh **** it")
}

func TestSession_DisconnectLeavesTheRoom(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig})
	alice := dial(t, n.addr)
	alice.register("alice", "s3cret")
	bob := dial(t, n.addr)
	bob.register("bob", "s3cret")
	alice.send("/create lobby")
	alice.expect(`<= New room "lobby" created successfully`)
	alice.send("/join lobby")
	alice.expect("<= end of list.")
	bob.send("/join lobby")
	bob.expect("<= end of list.")

	// When bob drops the connection
	_ = bob.conn.Close()

	// Then alice sees him leave and the durable membership follows
	alice.expect("<= bob: left the room")
	room, found := n.registry.Get("lobby")
	req.True(found)
	req.Eventually(func() bool {
		members, err := room.ListMembers(context.Background())
		return err == nil && len(members) == 1
	}, readTimeout, 10*time.Millisecond)
}

func TestDispatcher_InstallRejectsInconsistentTables(t *testing.T) {
	noop := func(context.Context, *Session, []string) error { return nil }
	tests := []struct {
		name  string
		table []command
		help  []helpEntry
	}{
		{
			name:  "Command without help",
			table: []command{{"/help", noop}, {"/secret", noop}},
			help:  []helpEntry{{"/help", "help"}},
		},
		{
			name:  "Help without command",
			table: []command{{"/help", noop}},
			help:  []helpEntry{{"/help", "help"}, {"/ghost", "ghost"}},
		},
		{
			name:  "Duplicated command",
			table: []command{{"/help", noop}, {"/help", noop}},
			help:  []helpEntry{{"/help", "help"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			d := &Dispatcher{}
			err := d.install(tt.table, tt.help)
			req.ErrorIs(err, errors.ErrInvalidHelpTable)
			req.Nil(d.commands)
		})
	}
}

func TestState_String(t *testing.T) {
	req := require.New(t)
	req.Equal("connected", StateConnected.String())
	req.Equal("authenticating", StateAuthenticating.String())
	req.Equal("authenticated", StateAuthenticated.String())
	req.Equal("closed", StateClosed.String())
	req.Equal("state(9)", State(9).String())
}

func TestSession_DestroyConfirmedAfterARemoteDestroy(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	b := newBackend(t)
	n1 := b.start(t, nodeOptions{cfg: testConfig})
	n2 := b.start(t, nodeOptions{cfg: testConfig})
	first := dial(t, n1.addr)
	first.register("alice", "s3cret")
	second := dial(t, n2.addr)
	second.login("alice", "s3cret")

	// Given alice asked to destroy the lobby from her first connection
	first.send("/create lobby")
	first.expect(`<= New room "lobby" created successfully`)
	first.send("/join lobby")
	first.expect("<= end of list.")
	req.Eventually(func() bool {
		_, found := n2.registry.Get("lobby")
		return found
	}, readTimeout, 10*time.Millisecond)
	first.send("/destroy")
	first.expect("<= This will kick all users from the room and remove it from the directory. Continue? [y/n]")

	// When her second connection destroys the lobby and creates it again meanwhile
	second.send("/join lobby")
	second.expect("<= end of list.")
	second.send("/destroy")
	second.expect("<= This will kick all users from the room and remove it from the directory. Continue? [y/n]")
	second.send("y")
	second.expect(`<= You have left "lobby": the room was destroyed`)
	second.send("/create lobby")
	second.expect(`<= New room "lobby" created successfully`)
	fresh, found := n2.registry.Get("lobby")
	req.True(found)

	// Then the late confirmation leaves the new lobby alone
	first.send("y")
	first.expect(`<= Room "lobby" was already destroyed`)
	id, found, err := repositories.NewRoomRepository(b.store, b.log).Lookup(ctx, "lobby")
	req.NoError(err)
	req.True(found)
	req.Equal(fresh.ID(), id)
	req.False(fresh.Destroyed())
	req.Eventually(func() bool {
		room, found := n1.registry.Get("lobby")
		return found && room.ID() == fresh.ID()
	}, readTimeout, 10*time.Millisecond)
}

func TestSession_MultiLineTextEndsWithoutEmptyLine(t *testing.T) {
	req := require.New(t)
	b := newBackend(t)
	n := b.start(t, nodeOptions{cfg: testConfig})
	alice := dial(t, n.addr)
	alice.register("alice", "s3cret")
	alice.send("/create lobby chat be nice")
	alice.expect(`<= New room "lobby" created successfully`)
	alice.send("/join lobby")
	alice.expect("<= end of list.")
	alice.expect("\tbe nice")

	// When the message of the day is followed by another command
	alice.send("/motd")
	alice.send("/about")

	// Then only the continuation line separates the two answers
	var lines []string
	for len(lines) == 0 || lines[len(lines)-1] != "<= chat" {
		line, err := alice.next()
		req.NoError(err)
		if strings.HasSuffix(line, "joined the room") {
			continue
		}
		lines = append(lines, line)
	}
	req.Equal([]string{"=> /motd", "<= Message of the day", "\tbe nice", "=> /about", "<= chat"}, lines)
}

func TestSession_StalledReaderIsDisconnected(t *testing.T) {
	req := require.New(t)
	server, peer := net.Pipe()
	defer func() { _ = peer.Close() }()
	cfg := Config{LoginRetries: 1, WriteTimeout: 50 * time.Millisecond, OutgoingBuffer: 1}
	s := NewSession(server, cfg, nil, nil, logs.GetLoggerFromLevel(slog.LevelDebug))

	// When the peer never reads what the server writes
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()

	// Then the session gives up and closes instead of blocking forever
	select {
	case <-done:
	case <-time.After(readTimeout):
		req.Fail("session still blocked on a write")
	}
	req.Equal(StateClosed, s.State())
}
