// Package store defines the narrow repository interface the runtime
// core persists its domain objects through (spec §9), grounded on
// cuemby-warren's storage.Store interface and bolt-backed implementation,
// narrowed to the entities this system owns: sandboxes, sessions,
// accounts, transactions, team pools, and IDE connections.
package store

import "github.com/forgehq/runtime-core/internal/types"

// Store is the single persistence seam every domain package depends on.
// Implementations: memstore (tests, "memory" backend) and boltstore
// (the "bolt" backend, durable single-node storage).
type Store interface {
	CreateSandbox(s *types.Sandbox) error
	GetSandbox(id string) (*types.Sandbox, error)
	ListSandboxes() ([]*types.Sandbox, error)
	UpdateSandbox(s *types.Sandbox) error
	DeleteSandbox(id string) error

	CreateSession(s *types.Session) error
	GetSession(id string) (*types.Session, error)
	ListActiveSessions() ([]*types.Session, error)
	UpdateSession(s *types.Session) error

	CreateAccount(a *types.Account) error
	GetAccount(id string) (*types.Account, error)
	GetAccountByUser(userRef string) (*types.Account, error)
	ListAccounts() ([]*types.Account, error)
	UpdateAccount(a *types.Account) error

	AppendTransaction(tx *types.Transaction) error
	ListTransactionsByAccount(accountRef string) ([]*types.Transaction, error)

	CreateTeamPool(p *types.TeamPool) error
	GetTeamPool(id string) (*types.TeamPool, error)
	UpdateTeamPool(p *types.TeamPool) error

	CreateIDEConnection(c *types.IDEConnection) error
	GetIDEConnection(id string) (*types.IDEConnection, error)
	UpdateIDEConnection(c *types.IDEConnection) error
	DeleteIDEConnection(id string) error

	Close() error
}
