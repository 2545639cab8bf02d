package internal

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

type Config struct {
	Host     string `env:"HOST,default=0.0.0.0" validate:"required"`
	Port     int    `env:"PORT,default=3000" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`

	StoreBackend   string `env:"STORE_BACKEND,default=redis" validate:"oneof=redis badger"`
	RedisURL       string `env:"REDIS_URL,default=redis://localhost:6379/0" validate:"required_if=StoreBackend redis"`
	BadgerFilepath string `env:"BADGER_FILEPATH" validate:"required_if=StoreBackend badger"`

	LoginRetries   int           `env:"LOGIN_RETRIES,default=5" validate:"min=1"`
	LoginTimeout   time.Duration `env:"LOGIN_TIMEOUT,default=30s" validate:"min=0"`
	ActiveTimeout  time.Duration `env:"ACTIVE_TIMEOUT,default=15m" validate:"min=0"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"min=0"`
	OutgoingBuffer int           `env:"OUTGOING_BUFFER,default=64" validate:"min=1"`
	HistoryLimit   int           `env:"HISTORY_LIMIT,default=20" validate:"min=1"`
	EchoUnrouted   bool          `env:"ECHO_UNROUTED,default=false"`

	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=1s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`

	CensoredDir     string `env:"CENSORED_DIR"`
	CharReplacement string `env:"CHARACTER_REPLACEMENT,default=*"`
}

// LoadConfig reads an optional .env file, then the environment, and validates the result.
// Variables already set in the environment win over the .env file.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(config); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := CharacterRune(config.CharReplacement); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
