package services

import (
	"context"
	"fmt"

	"wfchat/auth"
	"wfchat/contract"
	"wfchat/domain"
	"wfchat/errors"
	"wfchat/repositories"
)

type IAuthService interface {
	Exists(ctx context.Context, username string) (bool, error)
	Register(ctx context.Context, username, password string) (domain.User, error)
	Login(ctx context.Context, username, password string) (domain.User, error)
	Activate(ctx context.Context, user domain.User) error
	Deactivate(ctx context.Context, user domain.User) error
}

type AuthService struct {
	userRepository repositories.IUserRepository
	hasher         contract.PasswordHasher
}

func NewAuthService(repo repositories.IUserRepository, hasher contract.PasswordHasher) IAuthService {
	return &AuthService{userRepository: repo, hasher: hasher}
}

func (s *AuthService) Exists(ctx context.Context, username string) (bool, error) {
	_, found, err := s.userRepository.FindIDByName(ctx, username)
	return found, err
}

func (s *AuthService) Register(ctx context.Context, username, password string) (domain.User, error) {
	// 1. Validate the name and password before any expensive cryptographic operation.
	if err := auth.ValidateRegister(auth.RegisterRequest{Username: username, Password: password}); err != nil {
		return domain.User{}, err
	}

	// 2. Hash the password, the repository never sees plain passwords.
	hashedPassword, err := s.hasher.Hash(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hashing failed: %w", err)
	}

	// 3. Persist the user; ErrUserAlreadyExists propagates when the name was taken concurrently.
	return s.userRepository.CreateUser(ctx, username, hashedPassword)
}

func (s *AuthService) Login(ctx context.Context, username, password string) (domain.User, error) {
	id, found, err := s.userRepository.FindIDByName(ctx, username)
	if err != nil {
		return domain.User{}, err
	}
	if !found {
		// Generic error to prevent user enumeration
		return domain.User{}, errors.ErrInvalidCredentials
	}

	creds, err := s.userRepository.GetCredentials(ctx, id)
	if err != nil {
		return domain.User{}, errors.ErrInvalidCredentials
	}

	match, err := s.hasher.Compare(password, creds.PasswordHash)
	if err != nil || !match {
		return domain.User{}, errors.ErrInvalidCredentials
	}
	return creds.User, nil
}

// Activate records the user in users:active.
func (s *AuthService) Activate(ctx context.Context, user domain.User) error {
	return s.userRepository.MarkActive(ctx, user.ID)
}

func (s *AuthService) Deactivate(ctx context.Context, user domain.User) error {
	return s.userRepository.MarkInactive(ctx, user.ID)
}
