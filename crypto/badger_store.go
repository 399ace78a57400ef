package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

// BadgerStore is the durable Store. Values are sealed with an AEAD keyed from
// the pickle key before they touch disk, so the database is useless without
// the key held in the OS keyring.
type BadgerStore struct {
	kvStore
	backend badgerBackend
}

type badgerBackend struct {
	db  *badger.DB
	key [32]byte
}

// OpenBadgerStore opens (or creates) the database at path. pickleKey seals
// every stored value; passing a different key later makes existing values
// unreadable.
func OpenBadgerStore(path string, pickleKey []byte) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	store := &BadgerStore{}
	store.backend.db = db
	store.backend.key = sha256.Sum256(pickleKey)
	store.kvStore.backend = &store.backend
	return store, nil
}

func (s *BadgerStore) Close() error {
	return s.backend.db.Close()
}

func (b *badgerBackend) seal(value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, value, nil), nil
}

func (b *badgerBackend) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(b.key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("stored value too short")
	}
	value, err := aead.Open(nil, sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("unseal stored value: %w", err)
	}
	return value, nil
}

func (b *badgerBackend) get(key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		sealed, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value, err = b.open(sealed)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *badgerBackend) set(key string, value []byte) error {
	sealed, err := b.seal(value)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), sealed)
	})
}

func (b *badgerBackend) delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerBackend) scan(prefix string, fn func(key string, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			sealed, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			value, err := b.open(sealed)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()), value); err != nil {
				return err
			}
		}
		return nil
	})
}
