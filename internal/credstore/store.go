// Package credstore persists provider accounts in a local bbolt file.
// Tokens and config blobs are sealed by a dedicated keyset, separate
// from every vault keyset, with the provider tag as associated data so
// a record cannot be replayed under a different provider.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/events"
	"github.com/keyfold/keyfold/internal/models"
)

// ErrAccountNotFound indicates no stored account for a provider tag.
var ErrAccountNotFound = errors.New("provider account not found")

// bucketKeyset holds the wrapped keyset. The underscore keeps it out of
// the provider-tag namespace.
var bucketKeyset = []byte("_keyset")

var keysetBlobKey = []byte("blob")

// accountKey is the single record key inside each provider bucket.
var accountKey = []byte("account")

// Store is an encrypted provider account store. One bucket per provider
// tag, one sealed record per bucket.
type Store struct {
	db     *bolt.DB
	engine *crypto.Engine
	logger *events.Logger
}

// Open opens or creates the store at path. The keyset is unwrapped with
// wrappingKey; on first open a fresh keyset is generated and persisted.
// A wrong wrapping key fails with models.ErrIntegrity.
func Open(path string, wrappingKey []byte, logger *events.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	s := &Store{db: db, logger: logger.WithField("component", "credstore")}
	if err := s.loadKeyset(wrappingKey); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadKeyset(wrappingKey []byte) error {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeyset)
		if b == nil {
			return nil
		}
		if v := b.Get(keysetBlobKey); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if blob != nil {
		engine, err := crypto.ImportKeyset(blob, wrappingKey)
		if err != nil {
			return err
		}
		s.engine = engine
		return nil
	}

	engine, err := crypto.NewEngine()
	if err != nil {
		return err
	}
	wrapped, err := engine.ExportKeyset(wrappingKey)
	if err != nil {
		engine.Close()
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketKeyset)
		if err != nil {
			return err
		}
		return b.Put(keysetBlobKey, wrapped)
	})
	if err != nil {
		engine.Close()
		return fmt.Errorf("persist keyset: %w", err)
	}

	s.engine = engine
	s.logger.Debug("Generated credential store keyset")
	return nil
}

// Put stores or replaces the account for its provider tag.
func (s *Store) Put(account *models.ProviderAccount) error {
	if account == nil || account.Provider == "" {
		return errors.New("account requires a provider tag")
	}

	plaintext, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	defer crypto.Zero(plaintext)

	ct, err := s.engine.Encrypt(plaintext, accountAD(account.Provider))
	if err != nil {
		return fmt.Errorf("seal account: %w", err)
	}
	sealed, err := json.Marshal(ct)
	if err != nil {
		return fmt.Errorf("marshal ciphertext: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(account.Provider))
		if err != nil {
			return err
		}
		return b.Put(accountKey, sealed)
	})
	if err != nil {
		return fmt.Errorf("store account: %w", err)
	}

	s.logger.WithField("provider", account.Provider).Info("Stored provider account")
	return nil
}

// Account loads and unseals the account for a provider tag. A record
// tampered with, or moved between provider buckets, fails with
// models.ErrIntegrity.
func (s *Store) Account(provider string) (*models.ProviderAccount, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(provider))
		if b == nil {
			return ErrAccountNotFound
		}
		v := b.Get(accountKey)
		if v == nil {
			return ErrAccountNotFound
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ct crypto.Ciphertext
	if err := json.Unmarshal(sealed, &ct); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIntegrity, err)
	}

	plaintext, err := s.engine.Decrypt(&ct, accountAD(provider))
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(plaintext)

	var account models.ProviderAccount
	if err := json.Unmarshal(plaintext, &account); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIntegrity, err)
	}
	return &account, nil
}

// Delete removes the account for a provider tag. Deleting an absent
// account is not an error.
func (s *Store) Delete(provider string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(provider)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(provider))
	})
}

// List returns the provider tags with a stored account, sorted by
// bucket order.
func (s *Store) List() ([]string, error) {
	var providers []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if string(name) == string(bucketKeyset) {
				return nil
			}
			if b.Get(accountKey) != nil {
				providers = append(providers, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return providers, nil
}

// Rotate generates a new primary key, re-seals every stored account
// under it, and persists the keyset rewrapped with wrappingKey.
func (s *Store) Rotate(wrappingKey []byte) error {
	providers, err := s.List()
	if err != nil {
		return err
	}

	accounts := make([]*models.ProviderAccount, 0, len(providers))
	for _, p := range providers {
		account, err := s.Account(p)
		if err != nil {
			return fmt.Errorf("load %s account: %w", p, err)
		}
		accounts = append(accounts, account)
	}

	if _, err := s.engine.Rotate(); err != nil {
		return err
	}
	wrapped, err := s.engine.ExportKeyset(wrappingKey)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketKeyset)
		if err != nil {
			return err
		}
		return b.Put(keysetBlobKey, wrapped)
	})
	if err != nil {
		return fmt.Errorf("persist keyset: %w", err)
	}

	for _, account := range accounts {
		if err := s.Put(account); err != nil {
			return err
		}
	}

	s.logger.WithField("accounts", len(accounts)).Info("Rotated credential store keyset")
	return nil
}

// Close erases the keyset material and closes the database.
func (s *Store) Close() error {
	if s.engine != nil {
		s.engine.Close()
	}
	return s.db.Close()
}

func accountAD(provider string) []byte {
	return []byte("keyfold/account/" + provider)
}
