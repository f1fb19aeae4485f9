package tokenfile

import (
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// Store binds a token file path to an account and keeps the account
// metadata intact when the token is rotated. It satisfies broker.TokenStore.
type Store struct {
	path string

	mu      sync.Mutex
	account Account
}

// NewStore returns a Store for path.
func NewStore(path string, account Account) *Store {
	return &Store{path: path, account: account}
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted token. The stored account replaces the one the
// Store was created with. A missing file yields a nil token.
func (s *Store) Load() (*oauth2.Token, error) {
	f, err := Read(s.path)
	if err != nil || f == nil {
		return nil, err
	}

	s.mu.Lock()
	if f.Account != (Account{}) {
		s.account = f.Account
	}
	s.mu.Unlock()

	return f.Token, nil
}

// Account returns the account the credentials belong to.
func (s *Store) Account() Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.account
}

// SetAccount updates the account written with the next Save.
func (s *Store) SetAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.account = a
}

// Save persists tok with the current account.
func (s *Store) Save(tok *oauth2.Token) error {
	s.mu.Lock()
	account := s.account
	s.mu.Unlock()

	if err := Write(s.path, &File{Token: tok, Account: account}); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	return nil
}

// Clear removes the persisted token.
func (s *Store) Clear() error {
	return Remove(s.path)
}
