package auth

import (
	"fmt"
	"regexp"

	"wfchat/errors"

	"github.com/go-playground/validator/v10"
)

// handlePattern restricts user and room names to a single protocol token.
var handlePattern = regexp.MustCompile(`^[\p{L}\p{N}_.\-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("handle", func(fl validator.FieldLevel) bool {
		return handlePattern.MatchString(fl.Field().String())
	})
	return v
}

type RegisterRequest struct {
	Username string `validate:"required,max=32,handle"`
	Password string `validate:"required,min=4,max=72"`
}

type roomNameRequest struct {
	Name string `validate:"required,max=48,handle"`
}

func ValidateRegister(req RegisterRequest) error {
	if err := validate.Struct(req); err != nil {
		if fieldErrors, ok := err.(validator.ValidationErrors); ok && len(fieldErrors) > 0 && fieldErrors[0].Field() == "Password" {
			return fmt.Errorf("%w: %v", errors.ErrInvalidPassword, err)
		}
		return fmt.Errorf("%w: %v", errors.ErrInvalidUsername, err)
	}
	return nil
}

// ValidateUsername checks a name typed at the login prompt.
func ValidateUsername(name string) error {
	if err := validate.Var(name, "required,max=32,handle"); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidUsername, err)
	}
	return nil
}

func ValidateRoomName(name string) error {
	if err := validate.Struct(roomNameRequest{Name: name}); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidRoomName, err)
	}
	return nil
}
