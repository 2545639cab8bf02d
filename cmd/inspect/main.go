package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"wfchat/contract"
	"wfchat/domain"
	"wfchat/infrastructure/storage"
	"wfchat/internal"
	"wfchat/repositories"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
)

func main() {
	if err := run(); err != nil {
		color.Error.Println(err)
		os.Exit(1)
	}
}

// run prints the rooms of the directory and the active users of a store.
func run() error {
	backend := flag.String("backend", internal.BackendBadger, "Store backend: redis or badger")
	dbPath := flag.String("db", "data/wfchat", "Path to the badger directory")
	redisURL := flag.String("redis", "redis://localhost:6379/0", "Redis URL")
	flag.Parse()

	ctx := context.Background()
	log := logs.GetLoggerFromString("WARN")

	store, err := openStore(ctx, *backend, *dbPath, *redisURL, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rooms := repositories.NewRoomRepository(store, log)
	users := repositories.NewUserRepository(store, log)
	messages := repositories.NewMessageRepository(store, log)

	if err = printRooms(ctx, rooms, users, messages); err != nil {
		return err
	}
	return printActiveUsers(ctx, users)
}

func openStore(ctx context.Context, backend, dbPath, redisURL string, log *slog.Logger) (contract.Store, error) {
	switch backend {
	case internal.BackendBadger:
		return storage.OpenBadgerStoreReadOnly(dbPath, log)
	case internal.BackendRedis:
		rdb, err := storage.NewRedisClient(ctx, redisURL)
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStore(rdb, log), nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

func printRooms(ctx context.Context, rooms repositories.RoomRepository, users repositories.IUserRepository, messages repositories.MessageRepository) error {
	directory, err := rooms.Directory(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(directory))
	for name := range directory {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return directory[names[i]] < directory[names[j]] })

	color.Info.Printf("Rooms (%d)\n", len(names))
	table := newTable("ID", "Name", "Creator", "Description", "Members", "Messages")
	for _, name := range names {
		id := directory[name]
		options, err := rooms.Options(ctx, id)
		if err != nil {
			return err
		}
		members, err := rooms.Members(ctx, id)
		if err != nil {
			return err
		}
		count, err := messages.CountMessages(ctx, id)
		if err != nil {
			return err
		}
		table.Append([]string{
			id.String(),
			name,
			creatorName(ctx, users, options.Creator),
			options.Description,
			strconv.Itoa(len(members)),
			strconv.FormatInt(count, 10),
		})
	}
	table.Render()
	return nil
}

func printActiveUsers(ctx context.Context, users repositories.IUserRepository) error {
	ids, err := users.ActiveUsers(ctx)
	if err != nil {
		return err
	}
	color.Info.Printf("\nActive users (%d)\n", len(ids))
	table := newTable("ID", "Name")
	for _, id := range ids {
		user, err := users.GetUser(ctx, id)
		if err != nil {
			color.Warn.Printf("user %s: %v\n", id, err)
			continue
		}
		table.Append([]string{id.String(), user.Name})
	}
	table.Render()
	return nil
}

func creatorName(ctx context.Context, users repositories.IUserRepository, id domain.UserID) string {
	if id == 0 {
		return "-"
	}
	user, err := users.GetUser(ctx, id)
	if err != nil {
		return id.String()
	}
	return user.Name
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
