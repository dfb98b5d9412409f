package kms

import (
	"crypto/sha256"
	"fmt"
)

// StaticManager derives a single fixed key from a configured secret. It
// exists for non-production environments where no keystore or external KMS
// is available; the custody signer refuses it when the environment claims to
// be production.
type StaticManager struct {
	key []byte
}

// StaticVersion is the key version reported by a StaticManager.
const StaticVersion = 0

// NewStaticManager stretches secret into a fixed 32-byte key.
func NewStaticManager(secret string) (*StaticManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("kms: static secret must not be empty")
	}
	sum := sha256.Sum256([]byte(secret))
	return &StaticManager{key: sum[:]}, nil
}

func (s *StaticManager) DataKey() ([]byte, int, error) {
	return s.key, StaticVersion, nil
}

func (s *StaticManager) KeyByVersion(version int) ([]byte, error) {
	if version != StaticVersion {
		return nil, fmt.Errorf("kms: unknown key version %d", version)
	}
	return s.key, nil
}

func (s *StaticManager) Rotate() (int, error) {
	return 0, fmt.Errorf("kms: static manager cannot rotate keys")
}

func (s *StaticManager) ActiveVersion() int { return StaticVersion }
