package handlers

import (
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/usersapi/apiserver/types"
)

// bcrypt ignores input past 72 bytes.
const maxPasswordLength = 72

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(6, maxPasswordLength)),
	)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

type ResendVerificationRequest struct {
	Email string `json:"email"`
}

func (r ResendVerificationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required.Error("missing required field email"), is.Email),
	)
}

type SubscriptionRequest struct {
	Subscription types.Subscription `json:"subscription"`
}

func (r SubscriptionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Subscription,
			validation.Required,
			validation.In(types.SubscriptionStarter, types.SubscriptionPro, types.SubscriptionBusiness),
		),
	)
}

type RegisterResponse struct {
	User             types.Profile `json:"user"`
	VerificationSent bool          `json:"verificationSent"`
}

type LoginResponse struct {
	Token string        `json:"token"`
	User  types.Profile `json:"user"`
}

type AvatarResponse struct {
	AvatarURL string `json:"avatarURL"`
}
