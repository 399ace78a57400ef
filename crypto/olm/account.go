package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// maxOneTimeKeys is the number of one-time keys the account will hold at
// once. The uploader keeps the server pool at half of this.
const maxOneTimeKeys = 100

// OneTimeKey is a single-use curve25519 key pair. Published marks keys whose
// public half has been uploaded to the server.
type OneTimeKey struct {
	ID        string `json:"id"`
	Private   []byte `json:"private"`
	Public    []byte `json:"public"`
	Published bool   `json:"published"`
}

// Account holds the local device's long-term key material: the ed25519
// fingerprint key, the curve25519 identity key and the one-time key pool.
type Account struct {
	SigningKey      ed25519.PrivateKey     `json:"signing_key"`
	IdentityPrivate []byte                 `json:"identity_private"`
	IdentityPublic  []byte                 `json:"identity_public"`
	OneTimeKeys     map[string]*OneTimeKey `json:"one_time_keys"`
	KeyCounter      uint64                 `json:"key_counter"`
}

func NewAccount() (*Account, error) {
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generate signing key: %w", err)
	}
	priv, pub, err := generateCurve25519()
	if err != nil {
		return nil, fmt.Errorf("olm: generate identity key: %w", err)
	}
	return &Account{
		SigningKey:      signing,
		IdentityPrivate: priv,
		IdentityPublic:  pub,
		OneTimeKeys:     make(map[string]*OneTimeKey),
	}, nil
}

// IdentityKeys returns the public fingerprint (ed25519) and identity
// (curve25519) keys in wire encoding.
func (a *Account) IdentityKeys() (id.Ed25519, id.Curve25519) {
	ed := base64.RawStdEncoding.EncodeToString(a.SigningKey.Public().(ed25519.PublicKey))
	return id.Ed25519(ed), Curve25519B64(a.IdentityPublic)
}

// Sign signs an arbitrary message with the fingerprint key, returning an
// unpadded-base64 signature.
func (a *Account) Sign(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(a.SigningKey, message))
}

func (a *Account) MaxOneTimeKeys() int {
	return maxOneTimeKeys
}

// GenOneTimeKeys generates up to n new unpublished one-time keys, without
// exceeding the account's capacity. Returns how many were created.
func (a *Account) GenOneTimeKeys(n int) (int, error) {
	created := 0
	for created < n && len(a.OneTimeKeys) < maxOneTimeKeys {
		priv, pub, err := generateCurve25519()
		if err != nil {
			return created, err
		}
		a.KeyCounter++
		keyID := fmt.Sprintf("AAAA%d", a.KeyCounter)
		a.OneTimeKeys[keyID] = &OneTimeKey{ID: keyID, Private: priv, Public: pub}
		created++
	}
	return created, nil
}

// UnpublishedOneTimeKeys returns the public halves of keys not yet uploaded.
func (a *Account) UnpublishedOneTimeKeys() map[string]id.Curve25519 {
	keys := make(map[string]id.Curve25519)
	for keyID, key := range a.OneTimeKeys {
		if !key.Published {
			keys[keyID] = Curve25519B64(key.Public)
		}
	}
	return keys
}

// MarkKeysAsPublished flags every current one-time key as uploaded.
func (a *Account) MarkKeysAsPublished() {
	for _, key := range a.OneTimeKeys {
		key.Published = true
	}
}

// takeOneTimeKey removes and returns the one-time key matching the given
// public key. Removal enforces single use: a second pre-key message built on
// the same key no longer establishes a session.
func (a *Account) takeOneTimeKey(pub []byte) (*OneTimeKey, bool) {
	encoded := Curve25519B64(pub)
	for keyID, key := range a.OneTimeKeys {
		if Curve25519B64(key.Public) == encoded {
			delete(a.OneTimeKeys, keyID)
			return key, true
		}
	}
	return nil, false
}
