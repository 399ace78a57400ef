package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/canonicaljson"
	"github.com/ember-chat/ember/event"
)

// crossSigningPrivateKeys holds the private halves of the user's
// cross-signing keys. Any of the three may be nil on a device that has not
// received them.
type crossSigningPrivateKeys struct {
	master      ed25519.PrivateKey
	selfSigning ed25519.PrivateKey
	userSigning ed25519.PrivateKey
}

func publicBase64(key ed25519.PrivateKey) id.Ed25519 {
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(key.Public().(ed25519.PublicKey)))
}

// loadCrossSigningPrivateKeys restores private keys from the secret store,
// for example after they were gossiped from another device.
func (m *Machine) loadCrossSigningPrivateKeys() error {
	m.crossSigningLock.Lock()
	defer m.crossSigningLock.Unlock()
	keys := &crossSigningPrivateKeys{}
	for _, entry := range []struct {
		name string
		dst  *ed25519.PrivateKey
	}{
		{event.SecretMasterKey, &keys.master},
		{event.SecretSelfSigningKey, &keys.selfSigning},
		{event.SecretUserSigningKey, &keys.userSigning},
	} {
		secret, err := m.store.GetSecret(entry.name)
		if err != nil {
			return fmt.Errorf("load secret %s: %w", entry.name, err)
		}
		if secret == "" {
			continue
		}
		seed, err := base64.RawStdEncoding.DecodeString(secret)
		if err != nil || len(seed) != ed25519.SeedSize {
			m.log.Warn("stored cross-signing seed is malformed", "name", entry.name)
			continue
		}
		*entry.dst = ed25519.NewKeyFromSeed(seed)
	}
	m.crossSigningKeys = keys
	return nil
}

// GenerateCrossSigningKeys creates a fresh master, self-signing and
// user-signing key, publishes them and stores the private halves as secrets.
// The server challenges the upload with user-interactive auth; credentials
// come from the UIAAuth callback.
func (m *Machine) GenerateCrossSigningKeys(ctx context.Context) error {
	seeds := make([][]byte, 3)
	keys := make([]ed25519.PrivateKey, 3)
	for i := range seeds {
		seeds[i] = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seeds[i]); err != nil {
			return err
		}
		keys[i] = ed25519.NewKeyFromSeed(seeds[i])
	}
	master, selfSigning, userSigning := keys[0], keys[1], keys[2]

	masterPub := publicBase64(master)
	req := &CrossSigningKeysUploadRequest{
		MasterKey:      m.publicKeyObject(id.XSUsageMaster, master),
		SelfSigningKey: m.publicKeyObject(id.XSUsageSelfSigning, selfSigning),
		UserSigningKey: m.publicKeyObject(id.XSUsageUserSigning, userSigning),
	}
	// Subkeys carry a master-key signature so other devices can verify the
	// chain.
	for _, subkey := range []*CrossSigningPublicKey{req.SelfSigningKey, req.UserSigningKey} {
		signature, err := canonicaljson.SignJSON(subkey, master)
		if err != nil {
			return fmt.Errorf("sign cross-signing subkey: %w", err)
		}
		subkey.Signatures = Signatures{
			m.UserID: {id.NewKeyID(id.KeyAlgorithmEd25519, masterPub.String()): signature},
		}
	}

	if err := m.uploadCrossSigningKeys(ctx, req); err != nil {
		return err
	}

	for _, entry := range []struct {
		name  string
		usage id.CrossSigningUsage
		seed  []byte
		key   ed25519.PrivateKey
	}{
		{event.SecretMasterKey, id.XSUsageMaster, seeds[0], master},
		{event.SecretSelfSigningKey, id.XSUsageSelfSigning, seeds[1], selfSigning},
		{event.SecretUserSigningKey, id.XSUsageUserSigning, seeds[2], userSigning},
	} {
		if err := m.store.PutSecret(entry.name, base64.RawStdEncoding.EncodeToString(entry.seed)); err != nil {
			return err
		}
		if err := m.store.PutCrossSigningKey(m.UserID, entry.usage, publicBase64(entry.key)); err != nil {
			return err
		}
	}
	for _, pair := range []struct {
		object *CrossSigningPublicKey
		key    ed25519.PrivateKey
	}{
		{req.SelfSigningKey, selfSigning},
		{req.UserSigningKey, userSigning},
	} {
		sig := pair.object.Signatures[m.UserID][id.NewKeyID(id.KeyAlgorithmEd25519, masterPub.String())]
		if err := m.store.PutSignature(m.UserID, publicBase64(pair.key), m.UserID, masterPub, sig); err != nil {
			return err
		}
	}

	m.crossSigningLock.Lock()
	m.crossSigningKeys = &crossSigningPrivateKeys{
		master:      master,
		selfSigning: selfSigning,
		userSigning: userSigning,
	}
	m.crossSigningLock.Unlock()

	m.log.Info("generated cross-signing keys", "master_key", masterPub)
	return m.SignOwnDevice(ctx, m.DeviceID)
}

func (m *Machine) publicKeyObject(usage id.CrossSigningUsage, key ed25519.PrivateKey) *CrossSigningPublicKey {
	pub := publicBase64(key)
	return &CrossSigningPublicKey{
		UserID: m.UserID,
		Usage:  []id.CrossSigningUsage{usage},
		Keys: map[id.KeyID]id.Ed25519{
			id.NewKeyID(id.KeyAlgorithmEd25519, pub.String()): pub,
		},
	}
}

// uploadCrossSigningKeys performs the upload, retrying once with credentials
// when the server answers with a user-interactive auth challenge. The retry
// echoes the challenge's session id.
func (m *Machine) uploadCrossSigningKeys(ctx context.Context, req *CrossSigningKeysUploadRequest) error {
	err := m.client.UploadCrossSigningKeys(ctx, req, nil)
	var challenge *UIAError
	if !errors.As(err, &challenge) {
		return err
	}
	if m.UIAAuth == nil {
		return fmt.Errorf("cross-signing upload needs auth and no callback is set: %w", err)
	}
	auth, err := m.UIAAuth(ctx, challenge)
	if err != nil {
		return fmt.Errorf("auth callback: %w", err)
	}
	if err := m.client.UploadCrossSigningKeys(ctx, req, auth); err != nil {
		return fmt.Errorf("upload cross-signing keys with auth: %w", err)
	}
	return nil
}

// SignOwnDevice signs one of the user's devices with the self-signing key
// and publishes the signature.
func (m *Machine) SignOwnDevice(ctx context.Context, deviceID id.DeviceID) error {
	m.crossSigningLock.Lock()
	selfSigning := m.crossSigningKeys.selfSigning
	m.crossSigningLock.Unlock()
	if selfSigning == nil {
		return ErrNoCrossSigningKeys
	}
	device, err := m.store.GetDevice(m.UserID, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}

	deviceKeys := &DeviceKeys{
		UserID:   m.UserID,
		DeviceID: deviceID,
		Algorithms: []id.Algorithm{
			id.AlgorithmOlmV1,
			id.AlgorithmMegolmV1,
		},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()):    device.SigningKey.String(),
			id.NewKeyID(id.KeyAlgorithmCurve25519, deviceID.String()): string(device.IdentityKey),
		},
	}
	signature, err := canonicaljson.SignJSON(deviceKeys, selfSigning)
	if err != nil {
		return fmt.Errorf("sign device: %w", err)
	}
	selfSigningPub := publicBase64(selfSigning)
	deviceKeys.Signatures = Signatures{
		m.UserID: {id.NewKeyID(id.KeyAlgorithmEd25519, selfSigningPub.String()): signature},
	}

	raw, err := json.Marshal(deviceKeys)
	if err != nil {
		return err
	}
	upload := SignatureUploadRequest{
		m.UserID: {deviceID.String(): raw},
	}
	if err := m.client.UploadSignatures(ctx, upload); err != nil {
		return fmt.Errorf("upload device signature: %w", err)
	}
	if err := m.store.PutSignature(m.UserID, device.SigningKey, m.UserID, selfSigningPub, signature); err != nil {
		return err
	}
	m.log.Info("cross-signed own device", "device_id", deviceID)
	return nil
}

// SignUser signs another user's master key with the user-signing key,
// marking that user as verified for trust resolution.
func (m *Machine) SignUser(ctx context.Context, userID id.UserID) error {
	if userID == m.UserID {
		return fmt.Errorf("own user is signed with the self-signing key, not the user-signing key")
	}
	m.crossSigningLock.Lock()
	userSigning := m.crossSigningKeys.userSigning
	m.crossSigningLock.Unlock()
	if userSigning == nil {
		return ErrNoCrossSigningKeys
	}
	theirKeys, err := m.store.GetCrossSigningKeys(userID)
	if err != nil {
		return err
	}
	theirMaster, ok := theirKeys[id.XSUsageMaster]
	if !ok {
		return ErrNoCrossSigningKeys
	}

	masterObject := &CrossSigningPublicKey{
		UserID: userID,
		Usage:  []id.CrossSigningUsage{id.XSUsageMaster},
		Keys: map[id.KeyID]id.Ed25519{
			id.NewKeyID(id.KeyAlgorithmEd25519, theirMaster.Key.String()): theirMaster.Key,
		},
	}
	signature, err := canonicaljson.SignJSON(masterObject, userSigning)
	if err != nil {
		return fmt.Errorf("sign master key: %w", err)
	}
	userSigningPub := publicBase64(userSigning)
	masterObject.Signatures = Signatures{
		m.UserID: {id.NewKeyID(id.KeyAlgorithmEd25519, userSigningPub.String()): signature},
	}

	raw, err := json.Marshal(masterObject)
	if err != nil {
		return err
	}
	upload := SignatureUploadRequest{
		userID: {theirMaster.Key.String(): raw},
	}
	if err := m.client.UploadSignatures(ctx, upload); err != nil {
		return fmt.Errorf("upload user signature: %w", err)
	}
	if err := m.store.PutSignature(userID, theirMaster.Key, m.UserID, userSigningPub, signature); err != nil {
		return err
	}
	m.log.Info("cross-signed user", "user_id", userID)
	return nil
}
