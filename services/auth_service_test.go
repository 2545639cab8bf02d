package services

import (
	"context"
	"testing"

	"wfchat/auth"
	"wfchat/domain"
	"wfchat/errors"
	"wfchat/mocks"
	"wfchat/repositories"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var testParams = auth.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestAuthService_Register(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockIUserRepository(ctrl)
	hasher := auth.NewArgon2Hasher(testParams)
	svc := NewAuthService(mockRepo, hasher)

	t.Run("should register successfully when input is valid", func(t *testing.T) {
		req := require.New(t)
		expected := domain.User{ID: 7, Name: "alice"}

		// Expect CreateUser to be called with a hashed password (not the plain one)
		mockRepo.EXPECT().
			CreateUser(gomock.Any(), "alice", gomock.Not("s3cret")).
			DoAndReturn(func(_ context.Context, name, digest string) (domain.User, error) {
				match, err := hasher.Compare("s3cret", digest)
				req.NoError(err)
				req.True(match)
				return expected, nil
			}).
			Times(1)

		user, err := svc.Register(ctx, "alice", "s3cret")

		req.NoError(err)
		req.Equal(expected, user)
	})

	t.Run("should fail when username is not a single token", func(t *testing.T) {
		req := require.New(t)

		// Repository should NEVER be called
		mockRepo.EXPECT().CreateUser(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		_, err := svc.Register(ctx, "alice smith", "s3cret")

		req.ErrorIs(err, errors.ErrInvalidUsername)
	})

	t.Run("should fail when user already exists in repository", func(t *testing.T) {
		req := require.New(t)

		mockRepo.EXPECT().
			CreateUser(gomock.Any(), "bob", gomock.Any()).
			Return(domain.User{}, errors.ErrUserAlreadyExists).
			Times(1)

		_, err := svc.Register(ctx, "bob", "s3cret")

		req.ErrorIs(err, errors.ErrUserAlreadyExists)
	})
}

func TestAuthService_Login(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockIUserRepository(ctrl)
	hasher := auth.NewArgon2Hasher(testParams)
	svc := NewAuthService(mockRepo, hasher)

	t.Run("should login successfully with correct credentials", func(t *testing.T) {
		req := require.New(t)
		digest, err := hasher.Hash("Secret123")
		req.NoError(err)
		stored := repositories.Credentials{User: domain.User{ID: 3, Name: "carol"}, PasswordHash: digest}

		mockRepo.EXPECT().FindIDByName(gomock.Any(), "carol").Return(domain.UserID(3), true, nil).Times(1)
		mockRepo.EXPECT().GetCredentials(gomock.Any(), domain.UserID(3)).Return(stored, nil).Times(1)

		user, err := svc.Login(ctx, "carol", "Secret123")

		req.NoError(err)
		req.Equal(stored.User, user)
	})

	t.Run("should return invalid credentials when password matches nothing", func(t *testing.T) {
		req := require.New(t)
		digest, err := hasher.Hash("CorrectPassword")
		req.NoError(err)

		mockRepo.EXPECT().FindIDByName(gomock.Any(), "dave").Return(domain.UserID(4), true, nil).Times(1)
		mockRepo.EXPECT().GetCredentials(gomock.Any(), domain.UserID(4)).
			Return(repositories.Credentials{User: domain.User{ID: 4, Name: "dave"}, PasswordHash: digest}, nil).
			Times(1)

		_, err = svc.Login(ctx, "dave", "WrongPassword")

		req.ErrorIs(err, errors.ErrInvalidCredentials)
	})

	t.Run("should return invalid credentials when user is not found", func(t *testing.T) {
		req := require.New(t)

		mockRepo.EXPECT().FindIDByName(gomock.Any(), "unknown").Return(domain.UserID(0), false, nil).Times(1)

		_, err := svc.Login(ctx, "unknown", "anyPassword")

		req.ErrorIs(err, errors.ErrInvalidCredentials)
	})
}

func TestAuthService_Activation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRepo := mocks.NewMockIUserRepository(ctrl)
	svc := NewAuthService(mockRepo, auth.NewArgon2Hasher(testParams))
	user := domain.User{ID: 9, Name: "erin"}

	gomock.InOrder(
		mockRepo.EXPECT().MarkActive(gomock.Any(), user.ID).Return(nil),
		mockRepo.EXPECT().MarkInactive(gomock.Any(), user.ID).Return(nil),
	)

	req.NoError(svc.Activate(ctx, user))
	req.NoError(svc.Deactivate(ctx, user))
}
