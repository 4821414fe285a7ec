package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/usersapi/apiserver/internal/avatar"
	"github.com/usersapi/apiserver/internal/logging"
	"github.com/usersapi/apiserver/internal/mail"
	"github.com/usersapi/apiserver/internal/store"
	"github.com/usersapi/apiserver/types"
)

const (
	// DefaultTokenTTL is the validity window of session tokens.
	DefaultTokenTTL = 3 * time.Hour

	avatarKeyPrefix = "avatars/"
)

// AccountRepository defines persistence operations for accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (types.Account, error)
	GetByEmail(ctx context.Context, email string) (types.Account, error)
	GetByVerificationToken(ctx context.Context, token string) (types.Account, error)
	Create(ctx context.Context, account types.Account) (types.Account, error)
	SetToken(ctx context.Context, id, token string) error
	MarkVerified(ctx context.Context, verificationToken string) error
	SetAvatarURL(ctx context.Context, id, avatarURL string) error
	SetSubscription(ctx context.Context, id string, subscription types.Subscription) (types.Account, error)
}

// PasswordHasher hashes and checks passwords with a slow salted function.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(password, hash string) bool
}

// TokenIssuer signs and verifies session tokens.
type TokenIssuer interface {
	Issue(accountID string, ttl time.Duration) (string, error)
	Verify(token string) (string, error)
}

// ImageResizer turns raw image bytes into a fixed-size square avatar.
type ImageResizer interface {
	Resize(data []byte, size int) (avatar.Image, error)
}

// AvatarStorage stores processed avatars and addresses them publicly.
type AvatarStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	URL(key string) string
	KeyFromURL(ref string) (string, bool)
}

// DefaultAvatar derives the avatar assigned at registration.
type DefaultAvatar interface {
	URL(email string) string
}

// AccountDeps are the collaborators of AccountService.
type AccountDeps struct {
	Repo          AccountRepository
	Hasher        PasswordHasher
	Tokens        TokenIssuer
	Mailer        mail.Mailer
	Resizer       ImageResizer
	Avatars       AvatarStorage
	DefaultAvatar DefaultAvatar
	Log           logging.Logger
}

// AccountOptions tune AccountService.
type AccountOptions struct {
	// BaseURL prefixes the verification links sent by email.
	BaseURL    string
	TokenTTL   time.Duration
	AvatarSize int
}

// AccountService owns the account lifecycle: registration, email
// verification, login/logout and profile changes.
type AccountService struct {
	repo          AccountRepository
	hasher        PasswordHasher
	tokens        TokenIssuer
	mailer        mail.Mailer
	resizer       ImageResizer
	avatars       AvatarStorage
	defaultAvatar DefaultAvatar
	log           logging.Logger

	baseURL    string
	tokenTTL   time.Duration
	avatarSize int

	dummyOnce sync.Once
	dummyHash string
}

func NewAccountService(deps AccountDeps, opts AccountOptions) *AccountService {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.AvatarSize <= 0 {
		opts.AvatarSize = avatar.DefaultSize
	}
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	return &AccountService{
		repo:          deps.Repo,
		hasher:        deps.Hasher,
		tokens:        deps.Tokens,
		mailer:        deps.Mailer,
		resizer:       deps.Resizer,
		avatars:       deps.Avatars,
		defaultAvatar: deps.DefaultAvatar,
		log:           log.With("component", "accounts"),
		baseURL:       opts.BaseURL,
		tokenTTL:      opts.TokenTTL,
		avatarSize:    opts.AvatarSize,
	}
}

// RegisterResult is returned by Register.
type RegisterResult struct {
	Profile types.Profile
	// VerificationSent is false when the account was created but the
	// verification email could not be dispatched.
	VerificationSent bool
}

// AvatarUpload is a raw avatar image as received from the client.
type AvatarUpload struct {
	Filename string
	Data     []byte
}

// NormalizeEmail returns the canonical form under which emails are stored.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an unverified account and mails its verification link.
// The account is persisted before the email is dispatched; a dispatch
// failure is reported through RegisterResult and the link can be resent.
func (s *AccountService) Register(ctx context.Context, email, password string) (RegisterResult, error) {
	email = NormalizeEmail(email)

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return RegisterResult{}, ErrEmailInUse
	} else if !errors.Is(err, store.ErrNotFound) {
		return RegisterResult{}, fmt.Errorf("check email: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.repo.Create(ctx, types.Account{
		Email:             email,
		PasswordHash:      hash,
		Subscription:      types.SubscriptionStarter,
		VerificationToken: uuid.NewString(),
		AvatarURL:         s.defaultAvatar.URL(email),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return RegisterResult{}, ErrEmailInUse
		}
		return RegisterResult{}, fmt.Errorf("create account: %w", err)
	}
	s.log.Info(ctx, "account registered", "account_id", created.ID)

	result := RegisterResult{Profile: created.Profile(), VerificationSent: true}
	msg := mail.VerificationMessage(s.baseURL, created.Email, created.VerificationToken)
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.log.Warn(ctx, "verification email not sent", "account_id", created.ID, "error", err)
		result.VerificationSent = false
	}
	return result, nil
}

// Login checks the credentials and starts a new session, replacing any
// previous one. Unknown emails and wrong passwords are indistinguishable.
func (s *AccountService) Login(ctx context.Context, email, password string) (string, types.Profile, error) {
	account, err := s.repo.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Spend the same hashing time as a real comparison.
			s.hasher.Compare(password, s.dummyPasswordHash())
			return "", types.Profile{}, ErrInvalidCredentials
		}
		return "", types.Profile{}, fmt.Errorf("load account: %w", err)
	}

	if !s.hasher.Compare(password, account.PasswordHash) {
		return "", types.Profile{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(account.ID, s.tokenTTL)
	if err != nil {
		return "", types.Profile{}, fmt.Errorf("issue token: %w", err)
	}
	if err := s.repo.SetToken(ctx, account.ID, token); err != nil {
		return "", types.Profile{}, fmt.Errorf("store token: %w", err)
	}

	s.log.Info(ctx, "account logged in", "account_id", account.ID)
	return token, account.Profile(), nil
}

// Authenticate resolves a bearer token to an identity. The token must be
// valid and still be the account's active session token.
func (s *AccountService) Authenticate(ctx context.Context, token string) (types.Identity, error) {
	accountID, err := s.tokens.Verify(token)
	if err != nil {
		return types.Identity{}, ErrNotAuthorized
	}

	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Identity{}, ErrNotAuthorized
		}
		return types.Identity{}, fmt.Errorf("load account: %w", err)
	}

	if account.Token == "" || subtle.ConstantTimeCompare([]byte(account.Token), []byte(token)) != 1 {
		return types.Identity{}, ErrNotAuthorized
	}
	return types.Identity{AccountID: account.ID, Token: token}, nil
}

// Identify resolves a bearer token by signature and expiry only. It does not
// require the token to be the active session, so a token that was already
// logged out still identifies its account.
func (s *AccountService) Identify(_ context.Context, token string) (types.Identity, error) {
	accountID, err := s.tokens.Verify(token)
	if err != nil {
		return types.Identity{}, ErrNotAuthorized
	}
	return types.Identity{AccountID: accountID, Token: token}, nil
}

// Logout ends the active session. Logging out twice is not an error.
func (s *AccountService) Logout(ctx context.Context, id types.Identity) error {
	if err := s.repo.SetToken(ctx, id.AccountID, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotAuthorized
		}
		return fmt.Errorf("clear token: %w", err)
	}
	s.log.Info(ctx, "account logged out", "account_id", id.AccountID)
	return nil
}

// CurrentProfile returns the caller's public profile.
func (s *AccountService) CurrentProfile(ctx context.Context, id types.Identity) (types.Profile, error) {
	account, err := s.repo.GetByID(ctx, id.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Profile{}, ErrNotAuthorized
		}
		return types.Profile{}, fmt.Errorf("load account: %w", err)
	}
	return account.Profile(), nil
}

// VerifyEmail consumes a verification token. The token is cleared on
// success, so a second call with it yields ErrNotFound.
func (s *AccountService) VerifyEmail(ctx context.Context, verificationToken string) error {
	verificationToken = strings.TrimSpace(verificationToken)
	if verificationToken == "" {
		return ErrNotFound
	}

	account, err := s.repo.GetByVerificationToken(ctx, verificationToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load account: %w", err)
	}
	if account.Verified {
		return ErrAlreadyVerified
	}

	if err := s.repo.MarkVerified(ctx, verificationToken); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("mark verified: %w", err)
	}

	s.log.Info(ctx, "email verified", "account_id", account.ID)
	return nil
}

// ResendVerification mails the standing verification token again. The
// token is not rotated.
func (s *AccountService) ResendVerification(ctx context.Context, email string) error {
	account, err := s.repo.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load account: %w", err)
	}
	if account.Verified {
		return ErrAlreadyVerified
	}

	msg := mail.ResendVerificationMessage(s.baseURL, account.Email, account.VerificationToken)
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.log.Warn(ctx, "verification email not resent", "account_id", account.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return nil
}

// UpdateAvatar processes and stores a new avatar for the caller and returns
// its URL. On failure the current avatar is left untouched.
func (s *AccountService) UpdateAvatar(ctx context.Context, id types.Identity, upload AvatarUpload) (string, error) {
	if len(upload.Data) == 0 {
		return "", ErrNoFile
	}

	account, err := s.repo.GetByID(ctx, id.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotAuthorized
		}
		return "", fmt.Errorf("load account: %w", err)
	}

	img, err := s.resizer.Resize(upload.Data, s.avatarSize)
	if err != nil {
		if errors.Is(err, avatar.ErrDecode) {
			return "", fmt.Errorf("%w: %v", ErrProcessing, err)
		}
		return "", fmt.Errorf("resize avatar: %w", err)
	}

	oldKey, hasOld := s.avatars.KeyFromURL(account.AvatarURL)
	key := avatarKey(account.ID, img)
	if err := s.avatars.Put(ctx, key, bytes.NewReader(img.Data), int64(len(img.Data)), img.ContentType); err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}

	avatarURL := s.avatars.URL(key)
	if err := s.repo.SetAvatarURL(ctx, account.ID, avatarURL); err != nil {
		if !hasOld || oldKey != key {
			if delErr := s.avatars.Delete(ctx, key); delErr != nil {
				s.log.Warn(ctx, "orphaned avatar not removed", "account_id", account.ID, "key", key, "error", delErr)
			}
		}
		return "", fmt.Errorf("update avatar url: %w", err)
	}

	if hasOld && oldKey != key {
		if err := s.avatars.Delete(ctx, oldKey); err != nil {
			s.log.Warn(ctx, "stale avatar not removed", "account_id", account.ID, "key", oldKey, "error", err)
		}
	}

	s.log.Info(ctx, "avatar updated", "account_id", account.ID, "key", key, "filename", upload.Filename)
	return avatarURL, nil
}

// avatarKey names an avatar object after its account and content, so a new
// upload never overwrites the object the stored reference still points at.
func avatarKey(accountID string, img avatar.Image) string {
	sum := sha256.Sum256(img.Data)
	return avatarKeyPrefix + accountID + "-" + hex.EncodeToString(sum[:8]) + avatarExtension(img.Format)
}

// UpdateSubscription changes the caller's plan tier.
func (s *AccountService) UpdateSubscription(ctx context.Context, id types.Identity, subscription types.Subscription) (types.Profile, error) {
	if !subscription.Valid() {
		return types.Profile{}, fmt.Errorf("%w: unknown subscription %q", ErrValidation, subscription)
	}

	account, err := s.repo.SetSubscription(ctx, id.AccountID, subscription)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Profile{}, ErrNotAuthorized
		}
		return types.Profile{}, fmt.Errorf("update subscription: %w", err)
	}
	return account.Profile(), nil
}

func (s *AccountService) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(uuid.NewString())
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

// avatarExtension derives the object suffix from the decoded format; the
// client's filename is not trusted.
func avatarExtension(format string) string {
	if format == "jpeg" {
		return ".jpg"
	}
	return "." + format
}
