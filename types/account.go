package types

import "time"

// Subscription is the plan tier of an account.
type Subscription string

const (
	SubscriptionStarter  Subscription = "starter"
	SubscriptionPro      Subscription = "pro"
	SubscriptionBusiness Subscription = "business"
)

// Valid reports whether s is one of the known tiers.
func (s Subscription) Valid() bool {
	switch s {
	case SubscriptionStarter, SubscriptionPro, SubscriptionBusiness:
		return true
	default:
		return false
	}
}

// Account represents a registered user.
// It holds credentials, verification and session state.
type Account struct {
	// ID is the unique identifier of the account (UUID).
	ID string `json:"id" db:"id"`

	// Email is the unique, normalized login address. It never changes
	// after registration.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// Subscription is the plan tier of the account.
	Subscription Subscription `json:"subscription" db:"subscription"`

	// VerificationToken is the single-use token mailed at registration.
	// It is empty once the email has been verified.
	VerificationToken string `json:"-" db:"verification_token"`

	// Verified reports whether the email address has been confirmed.
	// It only ever moves from false to true.
	Verified bool `json:"verified" db:"verified"`

	// Token is the currently active session token. Empty when logged out.
	Token string `json:"-" db:"token"`

	// AvatarURL references the account's avatar image.
	AvatarURL string `json:"avatarURL" db:"avatar_url"`

	// CreatedAt is the timestamp when the account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Profile is the public view of an account.
type Profile struct {
	Email        string       `json:"email"`
	Subscription Subscription `json:"subscription"`
	AvatarURL    string       `json:"avatarURL"`
}

// Profile returns the public view of the account.
func (a Account) Profile() Profile {
	return Profile{
		Email:        a.Email,
		Subscription: a.Subscription,
		AvatarURL:    a.AvatarURL,
	}
}

// Identity is the authenticated caller of a request.
type Identity struct {
	AccountID string
	Token     string
}
