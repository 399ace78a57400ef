// Package credentials stores the pickle key in the OS keyring. The pickle
// key seals every value the crypto store writes to disk, so it never lives
// next to the database.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	serviceName  = "ember"
	keyPickleKey = "pickle_key"
)

var ErrNotFound = errors.New("credential not found in keyring")

// LoadPickleKey returns the pickle key for the given user, generating and
// storing a fresh one on first use.
func LoadPickleKey(userID string) ([]byte, error) {
	encoded, err := keyring.Get(serviceName, userID+":"+keyPickleKey)
	if err == nil {
		key, err := base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode pickle key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("load pickle key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := keyring.Set(serviceName, userID+":"+keyPickleKey, base64.RawStdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("store pickle key: %w", err)
	}
	return key, nil
}

// DeletePickleKey removes the stored pickle key, making any database sealed
// with it unreadable.
func DeletePickleKey(userID string) {
	_ = keyring.Delete(serviceName, userID+":"+keyPickleKey)
}
