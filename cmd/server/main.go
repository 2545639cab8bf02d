package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"wfchat/auth"
	"wfchat/contract"
	"wfchat/errors"
	"wfchat/infrastructure/pubsub"
	"wfchat/infrastructure/storage"
	"wfchat/internal"
	"wfchat/moderation"
	"wfchat/repositories"
	"wfchat/runtime"
	"wfchat/runtime/workers"
	"wfchat/services"
	"wfchat/session"

	"github.com/mama165/sdk-go/logs"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component and serves until SIGINT or SIGTERM.
// Returning instead of exiting lets the deferred cleanups run.
func run() (int, error) {
	// 1. Configuration & Logger
	config, err := internal.LoadConfig()
	if err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Shared store and bus
	store, bus, err := openBackend(ctx, config, log)
	if err != nil {
		return exitRuntime, err
	}
	defer func() { _ = store.Close() }()
	defer func() { _ = bus.Close() }()

	// 3. Repositories & services
	userRepository := repositories.NewUserRepository(store, log)
	authService := services.NewAuthService(userRepository, auth.NewArgon2Hasher(auth.DefaultParams))
	registry := runtime.NewRegistry(runtime.Dependencies{
		Bus:      bus,
		Rooms:    repositories.NewRoomRepository(store, log),
		Users:    userRepository,
		Messages: repositories.NewMessageRepository(store, log),
	}, log)
	defer registry.Shutdown()

	censor, err := loadModerator(config, log)
	if err != nil {
		return exitConfig, err
	}
	dispatcher, err := session.NewDispatcher(registry, censor, session.DispatcherConfig{
		HistoryLimit: config.HistoryLimit,
		EchoUnrouted: config.EchoUnrouted,
	}, log)
	if err != nil {
		return exitRuntime, err
	}

	// 4. Supervised workers. The directory is read once the control channel is live,
	// so that a room created in between is not missed.
	watcher := workers.NewControlWatcher(bus, registry, log)
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(watcher, workers.NewHeartbeatWorker(log, registry, config.HeartbeatInterval))
	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()
	defer func() {
		sup.Stop()
		<-supDone
	}()

	select {
	case <-watcher.Ready():
	case <-ctx.Done():
		return exitOK, nil
	}
	if err = registry.Bootstrap(ctx); err != nil {
		return exitRuntime, err
	}

	// 5. TCP server
	listener, err := net.Listen("tcp", config.Address())
	if err != nil {
		return exitRuntime, fmt.Errorf("failed to listen on %s: %w", config.Address(), err)
	}
	server := session.NewServer(listener, session.Config{
		LoginRetries:   config.LoginRetries,
		LoginTimeout:   config.LoginTimeout,
		ActiveTimeout:  config.ActiveTimeout,
		WriteTimeout:   config.WriteTimeout,
		OutgoingBuffer: config.OutgoingBuffer,
	}, authService, dispatcher, log)

	if err = server.Serve(ctx); err != nil {
		return exitRuntime, fmt.Errorf("chat server error: %w", err)
	}
	log.Info("Program stopped cleanly")
	return exitOK, nil
}

// openBackend returns the store and bus of the configured backend. Badger is
// embedded and exclusive to one process, so it comes with an in-process bus.
func openBackend(ctx context.Context, config internal.Config, log *slog.Logger) (contract.Store, contract.Bus, error) {
	switch config.StoreBackend {
	case internal.BackendRedis:
		rdb, err := storage.NewRedisClient(ctx, config.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using redis store", "url", config.RedisURL)
		return storage.NewRedisStore(rdb, log), pubsub.NewRedisBus(rdb, log), nil
	case internal.BackendBadger:
		store, err := storage.OpenBadgerStore(config.BadgerFilepath, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Using badger store", "path", config.BadgerFilepath)
		return store, pubsub.NewLocalBus(log, config.OutgoingBuffer), nil
	}
	return nil, nil, fmt.Errorf("%w: %s", errors.ErrUnknownBackend, config.StoreBackend)
}

// loadModerator returns nil when no dictionary directory is configured.
func loadModerator(config internal.Config, log *slog.Logger) (session.Censor, error) {
	if config.CensoredDir == "" {
		return nil, nil
	}
	data, err := moderation.NewCensoredLoader(os.DirFS(config.CensoredDir)).LoadAll(".")
	if err != nil {
		return nil, fmt.Errorf("loading censored words from %s: %w", config.CensoredDir, err)
	}
	char, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return nil, err
	}
	mod, err := moderation.NewModerator(data.Words, char, log)
	if err != nil {
		return nil, err
	}
	log.Info("Moderation enabled", "words", len(data.Words), "languages", data.Languages)
	return mod, nil
}
