package e2e

import (
	"bufio"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/stretchr/testify/suite"
)

type BaseTCPSuite struct {
	suite.Suite
	Config Config
	conns  []net.Conn
}

// SetupSuite loads the environment configuration and skips when no server is configured.
func (s *BaseTCPSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.Addr == "" {
		s.T().Skip("WFCHAT_ADDR is not set")
	}
}

func (s *BaseTCPSuite) TearDownSuite() {
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

// Client is a line oriented connection to a running server.
type Client struct {
	suite *BaseTCPSuite
	name  string
	conn  net.Conn
	r     *bufio.Reader
}

// Connect opens a connection and prints a header for the step in the logs.
func (s *BaseTCPSuite) Connect(name, addr string) *Client {
	header := fmt.Sprintf("  ====== %s @ %s ======", name, addr)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)

	conn, err := net.Dial("tcp", addr)
	s.Require().NoError(err, "Failed to connect to chat server at "+addr)
	// Connections outlive the step that opened them.
	s.conns = append(s.conns, conn)
	return &Client{suite: s, name: name, conn: conn, r: bufio.NewReader(conn)}
}

// UniqueName returns a user or room name that does not collide with previous runs.
func UniqueName(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (c *Client) Send(line string) {
	c.suite.T().Logf("%s >> %s", c.name, line)
	_, err := c.conn.Write([]byte(line + "\r\n"))
	c.suite.Require().NoError(err)
}

// Expect reads lines until want shows up.
func (c *Client) Expect(want string) {
	c.ExpectOneOf(want)
}

// ExpectOneOf reads lines until one of wants shows up and returns its index.
func (c *Client) ExpectOneOf(wants ...string) int {
	timeout := time.Duration(c.suite.Config.Timeout) * time.Second
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		line, err := c.r.ReadString('\n')
		c.suite.Require().NoError(err, "%s never received any of %q", c.name, wants)
		line = strings.TrimRight(line, "\n")
		c.suite.T().Logf("%s << %s", c.name, line)
		if i := slices.Index(wants, line); i >= 0 {
			return i
		}
	}
}

// Register creates a fresh account and leaves the client authenticated.
func (c *Client) Register(name, password string) {
	c.Expect("<= Username?")
	c.Send(name)
	c.Expect("<= Username does not exist on this server! Create an account? [y/n]")
	c.Send("y")
	c.Expect("<= Password:")
	c.Send(password)
	c.Expect("<= Account created successfully!")
}
