package crypto

import (
	"maunium.net/go/mautrix/id"
)

// ResolveTrust walks the cross-signing chain for a device: master key ->
// self-signing key -> device key. Every link must be present and verified;
// one broken link makes the whole device untrusted. Manual verification and
// blacklisting always win over the chain.
func (m *Machine) ResolveTrust(device *DeviceIdentity) id.TrustState {
	if device.Trust == id.TrustStateVerified || device.Trust == id.TrustStateBlacklisted {
		return device.Trust
	}
	if device.KeyChanged {
		return id.TrustStateUnset
	}
	theirKeys, err := m.store.GetCrossSigningKeys(device.UserID)
	if err != nil {
		m.log.Warn("failed to load cross-signing keys for trust resolution",
			"user_id", device.UserID,
			"error", err)
		return id.TrustStateUnset
	}
	master, hasMaster := theirKeys[id.XSUsageMaster]
	selfSigning, hasSelfSigning := theirKeys[id.XSUsageSelfSigning]
	if !hasMaster || !hasSelfSigning {
		return id.TrustStateUnset
	}

	// Signature edges are only stored after cryptographic verification, so
	// presence is proof.
	linked, err := m.store.IsKeySignedBy(device.UserID, selfSigning.Key, device.UserID, master.Key)
	if err != nil || !linked {
		return id.TrustStateUnset
	}
	linked, err = m.store.IsKeySignedBy(device.UserID, device.SigningKey, device.UserID, selfSigning.Key)
	if err != nil || !linked {
		return id.TrustStateUnset
	}

	if m.masterKeyTrusted(device.UserID, master.Key) {
		return id.TrustStateCrossSignedVerified
	}
	if master.Key == master.First {
		return id.TrustStateCrossSignedTOFU
	}
	return id.TrustStateCrossSignedUntrusted
}

// masterKeyTrusted reports whether a user's master key is anchored to
// something this device trusts directly: the local private master key for
// the own user, or a user-signing-key signature for anyone else.
func (m *Machine) masterKeyTrusted(userID id.UserID, masterKey id.Ed25519) bool {
	m.crossSigningLock.Lock()
	keys := m.crossSigningKeys
	m.crossSigningLock.Unlock()
	if keys == nil {
		return false
	}
	if userID == m.UserID {
		return keys.master != nil && publicBase64(keys.master) == masterKey
	}
	if keys.userSigning == nil {
		return false
	}
	signed, err := m.store.IsKeySignedBy(userID, masterKey, m.UserID, publicBase64(keys.userSigning))
	return err == nil && signed
}

// IsDeviceTrusted reports whether the device may receive keys under the
// current policy.
func (m *Machine) IsDeviceTrusted(device *DeviceIdentity) bool {
	return trustIsVerified(m.ResolveTrust(device))
}

// VerifyDevice marks a device as manually verified.
func (m *Machine) VerifyDevice(device *DeviceIdentity) error {
	device.Trust = id.TrustStateVerified
	return m.store.PutDevice(device)
}

// BlacklistDevice marks a device as blacklisted. Blacklisted devices never
// receive keys, regardless of policy.
func (m *Machine) BlacklistDevice(device *DeviceIdentity) error {
	device.Trust = id.TrustStateBlacklisted
	return m.store.PutDevice(device)
}
