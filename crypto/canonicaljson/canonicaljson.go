// Package canonicaljson implements the canonical JSON encoding used when
// signing and verifying key objects: sorted object keys, compact output, no
// HTML escaping, and the signatures/unsigned fields stripped before signing.
package canonicaljson

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// CanonicalJSON re-encodes raw JSON into its canonical form. Object keys end
// up sorted because encoding/json always emits map keys in sorted order.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return marshalCompact(value)
}

func marshalCompact(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	// Encoder appends a trailing newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// signable strips the signatures and unsigned fields and canonicalizes the
// remainder, producing the exact bytes covered by a signature.
func signable(obj any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal object: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("parse object: %w", err)
	}
	delete(fields, "signatures")
	delete(fields, "unsigned")
	return marshalCompact(fields)
}

// SignJSON signs the canonical form of obj with the given ed25519 key and
// returns the unpadded-base64 signature.
func SignJSON(obj any, key ed25519.PrivateKey) (string, error) {
	message, err := signable(obj)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(key, message)
	return base64.RawStdEncoding.EncodeToString(sig), nil
}

// VerifyJSON checks an unpadded-base64 signature over the canonical form of
// obj against the given public key.
func VerifyJSON(obj any, key id.Ed25519, signature string) (bool, error) {
	pub, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil {
		return false, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("bad public key length %d", len(pub))
	}
	sig, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	message, err := signable(obj)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig), nil
}
