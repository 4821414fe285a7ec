package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/usersapi/apiserver/types"
)

// MemoryAccountRepository keeps accounts in process memory. It is used for
// local development and tests; the uniqueness check and insert happen under
// one lock, mirroring the database constraint.
type MemoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]types.Account
	byEmail  map[string]string
}

func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{
		accounts: make(map[string]types.Account),
		byEmail:  make(map[string]string),
	}
}

func (r *MemoryAccountRepository) GetByID(_ context.Context, id string) (types.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return types.Account{}, ErrNotFound
	}
	return account, nil
}

func (r *MemoryAccountRepository) GetByEmail(_ context.Context, email string) (types.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return types.Account{}, ErrNotFound
	}
	return r.accounts[id], nil
}

func (r *MemoryAccountRepository) GetByVerificationToken(_ context.Context, token string) (types.Account, error) {
	if token == "" {
		return types.Account{}, ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, account := range r.accounts {
		if account.VerificationToken == token {
			return account, nil
		}
	}
	return types.Account{}, ErrNotFound
}

func (r *MemoryAccountRepository) Create(_ context.Context, account types.Account) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEmail[account.Email]; exists {
		return types.Account{}, ErrConflict
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	r.accounts[account.ID] = account
	r.byEmail[account.Email] = account.ID
	return account, nil
}

func (r *MemoryAccountRepository) SetToken(_ context.Context, id, token string) error {
	return r.update(id, func(account *types.Account) {
		account.Token = token
	})
}

func (r *MemoryAccountRepository) MarkVerified(_ context.Context, verificationToken string) error {
	if verificationToken == "" {
		return ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, account := range r.accounts {
		if account.VerificationToken != verificationToken || account.Verified {
			continue
		}
		account.Verified = true
		account.VerificationToken = ""
		account.UpdatedAt = time.Now().UTC()
		r.accounts[id] = account
		return nil
	}
	return ErrNotFound
}

func (r *MemoryAccountRepository) SetAvatarURL(_ context.Context, id, avatarURL string) error {
	return r.update(id, func(account *types.Account) {
		account.AvatarURL = avatarURL
	})
}

func (r *MemoryAccountRepository) SetSubscription(_ context.Context, id string, subscription types.Subscription) (types.Account, error) {
	var updated types.Account
	err := r.update(id, func(account *types.Account) {
		account.Subscription = subscription
		updated = *account
	})
	if err != nil {
		return types.Account{}, err
	}
	return updated, nil
}

func (r *MemoryAccountRepository) update(id string, apply func(*types.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[id]
	if !ok {
		return ErrNotFound
	}
	account.UpdatedAt = time.Now().UTC()
	apply(&account)
	r.accounts[id] = account
	return nil
}
