// Package boltstore implements store.Store on top of bbolt, adapted
// nearly verbatim from cuemby-warren's BoltStore: one bucket per entity
// kind, JSON-marshaled values keyed by ID, update-as-upsert.
package boltstore

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/forgehq/runtime-core/internal/errs"
	"github.com/forgehq/runtime-core/internal/store"
	"github.com/forgehq/runtime-core/internal/types"
)

var (
	bucketSandboxes    = []byte("sandboxes")
	bucketSessions     = []byte("sessions")
	bucketAccounts     = []byte("accounts")
	bucketTransactions = []byte("transactions")
	bucketTeamPools    = []byte("team_pools")
	bucketConnections  = []byte("connections")
)

// Store is a bbolt-backed store.Store.
type Store struct {
	db *bolt.DB
}

// Open creates (or reuses) the bbolt file at path and ensures every
// bucket this store needs exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSandboxes, bucketSessions, bucketAccounts, bucketTransactions, bucketTeamPools, bucketConnections} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func put(db *bolt.DB, bucket []byte, key string, v any) error {
	return db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) CreateSandbox(sbx *types.Sandbox) error { return put(s.db, bucketSandboxes, sbx.ID, sbx) }
func (s *Store) UpdateSandbox(sbx *types.Sandbox) error { return s.CreateSandbox(sbx) }

func (s *Store) GetSandbox(id string) (*types.Sandbox, error) {
	var out types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSandboxes).Get([]byte(id))
		if data == nil {
			return errs.New(errs.NotFound, "sandbox not found: "+id)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListSandboxes() ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(k, v []byte) error {
			var sbx types.Sandbox
			if err := json.Unmarshal(v, &sbx); err != nil {
				return err
			}
			out = append(out, &sbx)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteSandbox(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).Delete([]byte(id))
	})
}

func (s *Store) CreateSession(sess *types.Session) error { return put(s.db, bucketSessions, sess.ID, sess) }
func (s *Store) UpdateSession(sess *types.Session) error { return s.CreateSession(sess) }

func (s *Store) GetSession(id string) (*types.Session, error) {
	var out types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return errs.New(errs.NotFound, "session not found: "+id)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListActiveSessions() ([]*types.Session, error) {
	var out []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.IsActive() {
				out = append(out, &sess)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) CreateAccount(a *types.Account) error { return put(s.db, bucketAccounts, a.ID, a) }
func (s *Store) UpdateAccount(a *types.Account) error  { return s.CreateAccount(a) }

func (s *Store) GetAccount(id string) (*types.Account, error) {
	var out types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(id))
		if data == nil {
			return errs.New(errs.NotFound, "account not found: "+id)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetAccountByUser(userRef string) (*types.Account, error) {
	var out *types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			if out != nil {
				return nil
			}
			var a types.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.UserRef == userRef {
				cp := a
				out = &cp
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errs.New(errs.NotFound, "account not found for user: "+userRef)
	}
	return out, nil
}

func (s *Store) ListAccounts() ([]*types.Account, error) {
	var out []*types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			var a types.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	return out, err
}

func (s *Store) AppendTransaction(tx *types.Transaction) error {
	return s.db.Update(func(dbtx *bolt.Tx) error {
		b := dbtx.Bucket(bucketTransactions)
		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(tx.AccountRef+"/"+tx.ID), data)
	})
}

func (s *Store) ListTransactionsByAccount(accountRef string) ([]*types.Transaction, error) {
	prefix := []byte(accountRef + "/")
	var out []*types.Transaction
	err := s.db.View(func(dbtx *bolt.Tx) error {
		c := dbtx.Bucket(bucketTransactions).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var t types.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *Store) CreateTeamPool(p *types.TeamPool) error { return put(s.db, bucketTeamPools, p.ID, p) }
func (s *Store) UpdateTeamPool(p *types.TeamPool) error { return s.CreateTeamPool(p) }

func (s *Store) GetTeamPool(id string) (*types.TeamPool, error) {
	var out types.TeamPool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTeamPools).Get([]byte(id))
		if data == nil {
			return errs.New(errs.NotFound, "team pool not found: "+id)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) CreateIDEConnection(c *types.IDEConnection) error {
	return put(s.db, bucketConnections, c.ID, c)
}
func (s *Store) UpdateIDEConnection(c *types.IDEConnection) error { return s.CreateIDEConnection(c) }

func (s *Store) GetIDEConnection(id string) (*types.IDEConnection, error) {
	var out types.IDEConnection
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConnections).Get([]byte(id))
		if data == nil {
			return errs.New(errs.NotFound, "connection not found: "+id)
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) DeleteIDEConnection(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).Delete([]byte(id))
	})
}

var _ store.Store = (*Store)(nil)
