package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// WFCHAT_ADDR is the first server process under test. The suites are skipped without it.
	Addr string `envconfig:"WFCHAT_ADDR"`
	// WFCHAT_PEER_ADDR is a second process sharing the same store and bus.
	// Cross-process scenarios fall back to Addr when it is empty.
	PeerAddr string `envconfig:"WFCHAT_PEER_ADDR"`
	// E2E_TIMEOUT bounds the wait for every expected line
	Timeout int `envconfig:"E2E_TIMEOUT_SECONDS" default:"5"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}

// Peer returns the address used as the second process.
func (c Config) Peer() string {
	if c.PeerAddr == "" {
		return c.Addr
	}
	return c.PeerAddr
}
