//go:generate go run go.uber.org/mock/mockgen -source=user.go -destination=../mocks/mock_user_repository.go -package=mocks
package repositories

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"wfchat/contract"
	"wfchat/domain"
	"wfchat/errors"

	"github.com/samber/lo"
)

// maxIDClaims bounds how many fresh ids CreateUser tries when a previous
// rollback made the counter hand out an id that is already taken.
const maxIDClaims = 5

type IUserRepository interface {
	FindIDByName(ctx context.Context, name string) (domain.UserID, bool, error)
	CreateUser(ctx context.Context, name, passwordHash string) (domain.User, error)
	GetCredentials(ctx context.Context, id domain.UserID) (Credentials, error)
	GetUser(ctx context.Context, id domain.UserID) (domain.User, error)
	MarkActive(ctx context.Context, id domain.UserID) error
	MarkInactive(ctx context.Context, id domain.UserID) error
	ActiveUsers(ctx context.Context) ([]domain.UserID, error)
}

// Credentials mirrors the user:<id>:creds hash.
type Credentials struct {
	User         domain.User
	PasswordHash string
}

type UserRepository struct {
	store contract.Store
	log   *slog.Logger
}

func NewUserRepository(store contract.Store, log *slog.Logger) IUserRepository {
	return &UserRepository{store: store, log: log}
}

func (u UserRepository) FindIDByName(ctx context.Context, name string) (domain.UserID, bool, error) {
	raw, found, err := u.store.HGet(ctx, UsernameIDMap, name)
	if err != nil || !found {
		return 0, false, err
	}
	id, err := domain.ParseUserID(raw)
	if err != nil {
		return 0, false, fmt.Errorf("corrupted id %q for user %s: %w", raw, name, err)
	}
	return id, true, nil
}

// CreateUser allocates an id from seq:user.id and persists the credentials.
//  1. The id is claimed by writing the username field of user:<id>:creds with HSETNX,
//     so an id handed out twice after a rollback is never overwritten.
//  2. The name is claimed in the usernames hash with HSETNX. Losing that race
//     rolls the counter back best-effort and returns ErrUserAlreadyExists.
//  3. The password hash completes the credential record.
func (u UserRepository) CreateUser(ctx context.Context, name, passwordHash string) (domain.User, error) {
	id, err := u.claimID(ctx, name)
	if err != nil {
		return domain.User{}, err
	}

	claimed, err := u.store.HSetNX(ctx, UsernameIDMap, name, id.String())
	if err != nil || !claimed {
		u.rollback(ctx, id)
		if err != nil {
			return domain.User{}, fmt.Errorf("claiming username %s: %w", name, err)
		}
		return domain.User{}, errors.ErrUserAlreadyExists
	}

	err = u.store.Multi(ctx, func(tx contract.Tx) {
		tx.HSet(UserCredsKey(id), map[string]string{
			credsUsername: name,
			credsHash:     passwordHash,
		})
	})
	if err != nil {
		_ = u.store.HDel(ctx, UsernameIDMap, name)
		u.rollback(ctx, id)
		return domain.User{}, fmt.Errorf("writing credentials of %s: %w", name, err)
	}
	return domain.User{ID: id, Name: name}, nil
}

func (u UserRepository) claimID(ctx context.Context, name string) (domain.UserID, error) {
	for i := 0; i < maxIDClaims; i++ {
		next, err := u.store.Incr(ctx, SeqUserID)
		if err != nil {
			return 0, fmt.Errorf("allocating user id: %w", err)
		}
		id := domain.UserID(next)
		free, err := u.store.HSetNX(ctx, UserCredsKey(id), credsUsername, name)
		if err != nil {
			return 0, fmt.Errorf("claiming user id %d: %w", id, err)
		}
		if free {
			return id, nil
		}
		u.log.Warn("User id already taken, allocating another one", "id", id)
	}
	return 0, fmt.Errorf("no free user id after %d attempts", maxIDClaims)
}

// rollback releases a claimed id. Failures are only logged.
func (u UserRepository) rollback(ctx context.Context, id domain.UserID) {
	if err := u.store.HDel(ctx, UserCredsKey(id), credsUsername, credsHash); err != nil {
		u.log.Warn("Failed to release credentials record", "id", id, "error", err)
	}
	if _, err := u.store.Decr(ctx, SeqUserID); err != nil {
		u.log.Warn("Failed to roll back user id counter", "id", id, "error", err)
	}
}

func (u UserRepository) GetCredentials(ctx context.Context, id domain.UserID) (Credentials, error) {
	fields, err := u.store.HGetAll(ctx, UserCredsKey(id))
	if err != nil {
		return Credentials{}, err
	}
	name, ok := fields[credsUsername]
	if !ok || fields[credsHash] == "" {
		return Credentials{}, errors.ErrUserNotFound
	}
	return Credentials{
		User:         domain.User{ID: id, Name: name},
		PasswordHash: fields[credsHash],
	}, nil
}

func (u UserRepository) GetUser(ctx context.Context, id domain.UserID) (domain.User, error) {
	name, found, err := u.store.HGet(ctx, UserCredsKey(id), credsUsername)
	if err != nil {
		return domain.User{}, err
	}
	if !found {
		return domain.User{}, fmt.Errorf("%w: %d", errors.ErrUserNotFound, id)
	}
	return domain.User{ID: id, Name: name}, nil
}

func (u UserRepository) MarkActive(ctx context.Context, id domain.UserID) error {
	_, err := u.store.SAdd(ctx, UsersActive, id.String())
	return err
}

func (u UserRepository) MarkInactive(ctx context.Context, id domain.UserID) error {
	return u.store.SRem(ctx, UsersActive, id.String())
}

func (u UserRepository) ActiveUsers(ctx context.Context) ([]domain.UserID, error) {
	raw, err := u.store.SMembers(ctx, UsersActive)
	if err != nil {
		return nil, err
	}
	return parseUserIDs(raw, u.log), nil
}

// parseUserIDs drops malformed members and sorts the rest.
func parseUserIDs(raw []string, log *slog.Logger) []domain.UserID {
	ids := lo.FilterMap(raw, func(item string, _ int) (domain.UserID, bool) {
		id, err := domain.ParseUserID(item)
		if err != nil {
			log.Warn("Skipping malformed user id", "value", item)
			return 0, false
		}
		return id, true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
