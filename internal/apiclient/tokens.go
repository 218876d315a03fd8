package apiclient

import (
	"context"

	"basil/core/internal/persist"
)

const tokenKey = "auth_token"

// PersistTokenStore keeps the bearer token in the persistence store so it
// survives reloads.
type PersistTokenStore struct {
	store persist.Store
}

func NewPersistTokenStore(store persist.Store) *PersistTokenStore {
	return &PersistTokenStore{store: store}
}

func (s *PersistTokenStore) Token(ctx context.Context) (string, error) {
	val, _, err := s.store.Get(ctx, tokenKey)
	return val, err
}

func (s *PersistTokenStore) SetToken(ctx context.Context, token string) error {
	return s.store.Set(ctx, tokenKey, token)
}

func (s *PersistTokenStore) ClearToken(ctx context.Context) error {
	return s.store.Delete(ctx, tokenKey)
}
