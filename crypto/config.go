package crypto

import (
	"os"
	"strconv"
	"time"
)

// Config tunes the engine's rotation, policy and background-task behavior.
// Zero values are replaced by defaults in ApplyDefaults.
type Config struct {
	// RotationMessages is the number of messages after which an outbound
	// group session is rotated.
	RotationMessages uint32 `json:"rotation_messages"`
	// RotationLifetime is the maximum age of an outbound group session.
	RotationLifetime time.Duration `json:"rotation_lifetime"`
	// BlockUnverifiedDevices withholds group session keys from devices that
	// are neither locally verified nor cross-signed.
	BlockUnverifiedDevices bool `json:"block_unverified_devices"`
	// ShareKeysToUnverifiedOwnDevices allows answering key requests from the
	// local user's unverified devices. Off by default; even when enabled,
	// requests from other users' devices are never auto-answered.
	ShareKeysToUnverifiedOwnDevices bool `json:"share_keys_to_unverified_own_devices"`
	// UnwedgeBackoff rate-limits forced olm session replacement per device.
	UnwedgeBackoff time.Duration `json:"unwedge_backoff"`
	// OTKUploadCooldown is the minimum interval between one-time-key upload
	// rounds, guarding against concurrent sync responses.
	OTKUploadCooldown time.Duration `json:"otk_upload_cooldown"`
	// FailureCacheSize bounds the per-event decryption failure cache.
	FailureCacheSize int `json:"failure_cache_size"`
}

func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.RotationMessages == 0 {
		c.RotationMessages = 100
	}
	if c.RotationLifetime == 0 {
		c.RotationLifetime = 7 * 24 * time.Hour
	}
	if c.UnwedgeBackoff == 0 {
		c.UnwedgeBackoff = time.Hour
	}
	if c.OTKUploadCooldown == 0 {
		c.OTKUploadCooldown = time.Minute
	}
	if c.FailureCacheSize == 0 {
		c.FailureCacheSize = 4096
	}
	c.applyEnvOverrides()
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EMBER_ROTATION_MESSAGES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			c.RotationMessages = uint32(n)
		}
	}
	if v := os.Getenv("EMBER_ROTATION_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.RotationLifetime = d
		}
	}
	if v := os.Getenv("EMBER_BLOCK_UNVERIFIED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.BlockUnverifiedDevices = b
		}
	}
	if v := os.Getenv("EMBER_UNWEDGE_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.UnwedgeBackoff = d
		}
	}
}
