// Package memstore implements store.Store entirely in memory, grounded
// on cuemby-warren's storage.Store map-backed shape, for tests and the
// "memory" STORE_BACKEND.
package memstore

import (
	"sync"

	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/store"
	"github.com/forgehq/runtime-core/internal/types"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.RWMutex

	sandboxes    map[string]*types.Sandbox
	sessions     map[string]*types.Session
	accounts     map[string]*types.Account
	accountsByUser map[string]string
	transactions map[string][]*types.Transaction
	teamPools    map[string]*types.TeamPool
	connections  map[string]*types.IDEConnection
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		sandboxes:      make(map[string]*types.Sandbox),
		sessions:       make(map[string]*types.Session),
		accounts:       make(map[string]*types.Account),
		accountsByUser: make(map[string]string),
		transactions:   make(map[string][]*types.Transaction),
		teamPools:      make(map[string]*types.TeamPool),
		connections:    make(map[string]*types.IDEConnection),
	}
}

func (s *Store) CreateSandbox(sbx *types.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sandboxes[sbx.ID] = sbx
	return nil
}

func (s *Store) GetSandbox(id string) (*types.Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sbx, ok := s.sandboxes[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "sandbox not found: "+id)
	}
	return sbx, nil
}

func (s *Store) ListSandboxes() ([]*types.Sandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Sandbox, 0, len(s.sandboxes))
	for _, sbx := range s.sandboxes {
		out = append(out, sbx)
	}
	return out, nil
}

func (s *Store) UpdateSandbox(sbx *types.Sandbox) error {
	return s.CreateSandbox(sbx)
}

func (s *Store) DeleteSandbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sandboxes, id)
	return nil
}

func (s *Store) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(id string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "session not found: "+id)
	}
	return sess, nil
}

func (s *Store) ListActiveSessions() ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Session
	for _, sess := range s.sessions {
		if sess.IsActive() {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *Store) UpdateSession(sess *types.Session) error {
	return s.CreateSession(sess)
}

func (s *Store) CreateAccount(a *types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	s.accountsByUser[a.UserRef] = a.ID
	return nil
}

func (s *Store) GetAccount(id string) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "account not found: "+id)
	}
	return a, nil
}

func (s *Store) GetAccountByUser(userRef string) (*types.Account, error) {
	s.mu.RLock()
	id, ok := s.accountsByUser[userRef]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "account not found for user: "+userRef)
	}
	return s.GetAccount(id)
}

func (s *Store) ListAccounts() ([]*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) UpdateAccount(a *types.Account) error {
	return s.CreateAccount(a)
}

func (s *Store) AppendTransaction(tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.AccountRef] = append(s.transactions[tx.AccountRef], tx)
	return nil
}

func (s *Store) ListTransactionsByAccount(accountRef string) ([]*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.Transaction(nil), s.transactions[accountRef]...), nil
}

func (s *Store) CreateTeamPool(p *types.TeamPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamPools[p.ID] = p
	return nil
}

func (s *Store) GetTeamPool(id string) (*types.TeamPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.teamPools[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "team pool not found: "+id)
	}
	return p, nil
}

func (s *Store) UpdateTeamPool(p *types.TeamPool) error {
	return s.CreateTeamPool(p)
}

func (s *Store) CreateIDEConnection(c *types.IDEConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ID] = c
	return nil
}

func (s *Store) GetIDEConnection(id string) (*types.IDEConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "connection not found: "+id)
	}
	return c, nil
}

func (s *Store) UpdateIDEConnection(c *types.IDEConnection) error {
	return s.CreateIDEConnection(c)
}

func (s *Store) DeleteIDEConnection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
	return nil
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
