package crypto

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/canonicaljson"
)

// signedOneTimeKeys generates up to n fresh one-time keys and returns all
// unpublished keys as signed upload objects. Caller holds accountLock.
func (m *Machine) signedOneTimeKeys(n int) (map[id.KeyID]SignedOneTimeKey, error) {
	if _, err := m.account.GenOneTimeKeys(n); err != nil {
		return nil, err
	}
	unpublished := m.account.UnpublishedOneTimeKeys()
	signed := make(map[id.KeyID]SignedOneTimeKey, len(unpublished))
	for keyID, key := range unpublished {
		oneTimeKey := SignedOneTimeKey{Key: key}
		signature, err := canonicaljson.SignJSON(&oneTimeKey, m.account.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("sign one-time key: %w", err)
		}
		oneTimeKey.Signatures = Signatures{
			m.UserID: {id.NewKeyID(id.KeyAlgorithmEd25519, m.DeviceID.String()): signature},
		}
		signed[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = oneTimeKey
	}
	return signed, nil
}

// HandleOTKCounts tops up the server-side one-time key pool when the count
// drops below half the device's capacity. Calls within the cooldown window
// are ignored so concurrent sync responses do not double-generate.
func (m *Machine) HandleOTKCounts(ctx context.Context, counts map[id.KeyAlgorithm]int) error {
	m.otkLock.Lock()
	defer m.otkLock.Unlock()
	if time.Since(m.lastOTKUpload) < m.config.OTKUploadCooldown {
		return nil
	}

	current := counts[id.KeyAlgorithmSignedCurve25519]
	for {
		m.accountLock.Lock()
		target := m.account.MaxOneTimeKeys() / 2
		if current >= target {
			m.accountLock.Unlock()
			return nil
		}
		need := target - current
		oneTimeKeys, err := m.signedOneTimeKeys(need)
		if err != nil {
			m.accountLock.Unlock()
			return err
		}
		if err := m.store.PutAccount(m.account); err != nil {
			m.accountLock.Unlock()
			return fmt.Errorf("persist account: %w", err)
		}
		m.accountLock.Unlock()

		resp, err := m.client.UploadKeys(ctx, &KeyUploadRequest{OneTimeKeys: oneTimeKeys})
		if err != nil {
			return fmt.Errorf("upload one-time keys: %w", err)
		}
		m.markKeysPublished()
		m.lastOTKUpload = time.Now()
		m.log.Debug("uploaded one-time keys",
			"generated", len(oneTimeKeys),
			"server_count", resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519])

		// The server is authoritative; a stale count in the sync response is
		// corrected by the upload reply.
		updated := resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]
		if updated <= current {
			return nil
		}
		current = updated
	}
}
