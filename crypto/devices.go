package crypto

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/canonicaljson"
)

// signedDeviceKeys builds the local device's signed key object. Caller holds
// accountLock.
func (m *Machine) signedDeviceKeys() (*DeviceKeys, error) {
	signingKey, identityKey := m.account.IdentityKeys()
	deviceKeys := &DeviceKeys{
		UserID:   m.UserID,
		DeviceID: m.DeviceID,
		Algorithms: []id.Algorithm{
			id.AlgorithmOlmV1,
			id.AlgorithmMegolmV1,
		},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, m.DeviceID.String()):    signingKey.String(),
			id.NewKeyID(id.KeyAlgorithmCurve25519, m.DeviceID.String()): string(identityKey),
		},
	}
	signature, err := canonicaljson.SignJSON(deviceKeys, m.account.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("sign device keys: %w", err)
	}
	deviceKeys.Signatures = Signatures{
		m.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, m.DeviceID.String()): signature,
		},
	}
	return deviceKeys, nil
}

// FetchDevices queries the server for the users' device keys and merges the
// results into the store. Concurrent fetches for the same user set collapse
// into one request.
func (m *Machine) FetchDevices(ctx context.Context, userIDs ...id.UserID) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	key := ""
	for _, userID := range userIDs {
		key += string(userID) + sep
	}
	result, err, _ := m.keyQueryGroup.Do(key, func() (any, error) {
		return m.fetchDevices(ctx, userIDs)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[id.UserID]map[id.DeviceID]*DeviceIdentity), nil
}

func (m *Machine) fetchDevices(ctx context.Context, userIDs []id.UserID) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	req := &KeyQueryRequest{DeviceKeys: make(map[id.UserID][]id.DeviceID, len(userIDs))}
	for _, userID := range userIDs {
		req.DeviceKeys[userID] = []id.DeviceID{}
	}
	resp, err := m.client.QueryKeys(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}

	for userID := range resp.DeviceKeys {
		m.processCrossSigningKeys(userID, resp)
	}

	devices := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity, len(resp.DeviceKeys))
	for userID, userDevices := range resp.DeviceKeys {
		stored, err := m.store.GetDevices(userID)
		if err != nil {
			return nil, fmt.Errorf("load devices for %s: %w", userID, err)
		}
		devices[userID] = make(map[id.DeviceID]*DeviceIdentity, len(userDevices))
		for deviceID, deviceKeys := range userDevices {
			identity, err := m.validateDevice(userID, deviceID, &deviceKeys, stored[deviceID])
			if err != nil {
				m.log.Warn("rejecting device keys",
					"user_id", userID,
					"device_id", deviceID,
					"error", err)
				continue
			}
			if err := m.store.PutDevice(identity); err != nil {
				return nil, fmt.Errorf("store device %s/%s: %w", userID, deviceID, err)
			}
			devices[userID][deviceID] = identity
		}
		// Devices the server no longer returns are tombstoned, not removed,
		// so their past signatures stay attributable.
		for deviceID, identity := range stored {
			if _, ok := userDevices[deviceID]; ok || identity.Deleted {
				continue
			}
			identity.Deleted = true
			if err := m.store.PutDevice(identity); err != nil {
				return nil, fmt.Errorf("tombstone device %s/%s: %w", userID, deviceID, err)
			}
		}
	}
	return devices, nil
}

// validateDevice checks a queried device key object: the claimed ids must
// match the response position, the self-signature must verify, and a known
// device must not change its keys.
func (m *Machine) validateDevice(userID id.UserID, deviceID id.DeviceID, deviceKeys *DeviceKeys, existing *DeviceIdentity) (*DeviceIdentity, error) {
	if deviceKeys.UserID != userID || deviceKeys.DeviceID != deviceID {
		return nil, fmt.Errorf("mismatching ids: claimed %s/%s", deviceKeys.UserID, deviceKeys.DeviceID)
	}
	signingKey := id.Ed25519(deviceKeys.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String())])
	identityKey := id.Curve25519(deviceKeys.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, deviceID.String())])
	if signingKey == "" || identityKey == "" {
		return nil, fmt.Errorf("missing ed25519 or curve25519 key")
	}
	selfSig := deviceKeys.Signatures[userID][id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String())]
	if selfSig == "" {
		return nil, fmt.Errorf("missing self-signature")
	}
	ok, err := canonicaljson.VerifyJSON(deviceKeys, signingKey, selfSig)
	if err != nil {
		return nil, fmt.Errorf("verify self-signature: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("invalid self-signature")
	}

	identity := &DeviceIdentity{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       id.TrustStateUnset,
	}
	if existing != nil {
		identity.Trust = existing.Trust
		identity.KeyChanged = existing.KeyChanged
		identity.Deleted = false
		if existing.SigningKey != signingKey || existing.IdentityKey != identityKey {
			// A device id reusing different keys is never trusted again
			// automatically. Keep the original keys on record.
			existing.KeyChanged = true
			existing.Trust = id.TrustStateUnset
			m.log.Warn("device changed its keys",
				"user_id", userID,
				"device_id", deviceID,
				"old_signing_key", existing.SigningKey,
				"new_signing_key", signingKey)
			return existing, nil
		}
	}
	return identity, nil
}

// processCrossSigningKeys stores a user's published cross-signing keys and
// the verified signature edges between them.
func (m *Machine) processCrossSigningKeys(userID id.UserID, resp *KeyQueryResponse) {
	master, hasMaster := resp.MasterKeys[userID]
	if hasMaster {
		if err := m.store.PutCrossSigningKey(userID, id.XSUsageMaster, master.FirstKey()); err != nil {
			m.log.Error("failed to store master key", "user_id", userID, "error", err)
			return
		}
	}
	if selfSigning, ok := resp.SelfSigningKeys[userID]; ok && hasMaster {
		m.storeSignedCrossSigningKey(userID, id.XSUsageSelfSigning, &selfSigning, master.FirstKey())
	}
	if userSigning, ok := resp.UserSigningKeys[userID]; ok && hasMaster {
		m.storeSignedCrossSigningKey(userID, id.XSUsageUserSigning, &userSigning, master.FirstKey())
	}
	if !hasMaster {
		return
	}
	// Device signatures made by the self-signing key arrive on the device key
	// objects themselves; record the verified edges for trust resolution.
	keys, err := m.store.GetCrossSigningKeys(userID)
	if err != nil {
		m.log.Error("failed to load cross-signing keys", "user_id", userID, "error", err)
		return
	}
	selfSigning, ok := keys[id.XSUsageSelfSigning]
	if !ok {
		return
	}
	for deviceID, deviceKeys := range resp.DeviceKeys[userID] {
		sig := deviceKeys.Signatures[userID][id.NewKeyID(id.KeyAlgorithmEd25519, selfSigning.Key.String())]
		if sig == "" {
			continue
		}
		verified, err := canonicaljson.VerifyJSON(&deviceKeys, selfSigning.Key, sig)
		if err != nil || !verified {
			m.log.Warn("invalid self-signing-key signature on device",
				"user_id", userID,
				"device_id", deviceID)
			continue
		}
		signedKey := id.Ed25519(deviceKeys.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String())])
		if err := m.store.PutSignature(userID, signedKey, userID, selfSigning.Key, sig); err != nil {
			m.log.Error("failed to store device signature", "user_id", userID, "error", err)
		}
	}
}

// storeSignedCrossSigningKey verifies a subkey's master-key signature before
// storing the key and the signature edge. An unsigned subkey is dropped.
func (m *Machine) storeSignedCrossSigningKey(userID id.UserID, usage id.CrossSigningUsage, key *CrossSigningPublicKey, masterKey id.Ed25519) {
	sig := key.Signatures[userID][id.NewKeyID(id.KeyAlgorithmEd25519, masterKey.String())]
	if sig == "" {
		m.log.Warn("cross-signing subkey lacks master signature", "user_id", userID, "usage", usage)
		return
	}
	verified, err := canonicaljson.VerifyJSON(key, masterKey, sig)
	if err != nil || !verified {
		m.log.Warn("cross-signing subkey has invalid master signature",
			"user_id", userID,
			"usage", usage)
		return
	}
	if err := m.store.PutCrossSigningKey(userID, usage, key.FirstKey()); err != nil {
		m.log.Error("failed to store cross-signing key", "user_id", userID, "usage", usage, "error", err)
		return
	}
	if err := m.store.PutSignature(userID, key.FirstKey(), userID, masterKey, sig); err != nil {
		m.log.Error("failed to store cross-signing signature", "user_id", userID, "error", err)
	}
}

// devicesForUsers returns the stored devices for each user, querying the
// server for users with no stored devices yet.
func (m *Machine) devicesForUsers(ctx context.Context, userIDs []id.UserID) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	result := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity, len(userIDs))
	var missing []id.UserID
	for _, userID := range userIDs {
		devices, err := m.store.GetDevices(userID)
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			missing = append(missing, userID)
			continue
		}
		result[userID] = devices
	}
	if len(missing) > 0 {
		fetched, err := m.FetchDevices(ctx, missing...)
		if err != nil {
			return nil, err
		}
		for userID, devices := range fetched {
			result[userID] = devices
		}
	}
	return result, nil
}

// deviceByIdentityKey finds a user's device by its curve25519 identity key.
func (m *Machine) deviceByIdentityKey(userID id.UserID, senderKey id.Curve25519) (*DeviceIdentity, error) {
	devices, err := m.store.GetDevices(userID)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if device.IdentityKey == senderKey {
			return device, nil
		}
	}
	return nil, ErrDeviceNotFound
}
