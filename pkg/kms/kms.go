// Package kms provisions the data keys that custody integrity proofs are
// derived from.
//
// Keys are versioned so that proofs written under an older key remain
// verifiable after rotation: a proof records the key version that signed it,
// and verification asks the manager for that exact version.
package kms

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// KeySize is the raw data-key length in bytes.
const KeySize = 32

// Manager supplies versioned data-key material.
type Manager interface {
	// DataKey returns the active data key and its version.
	DataKey() (key []byte, version int, err error)

	// KeyByVersion returns a specific key version, for verifying proofs
	// signed before a rotation.
	KeyByVersion(version int) ([]byte, error)

	// Rotate generates a new active key. Old keys remain for verification.
	Rotate() (version int, err error)

	// ActiveVersion returns the current active key version.
	ActiveVersion() int
}

// keystore is the on-disk JSON format for persisted keys.
type keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64-encoded 32-byte key
}

// LocalKMS is a file-backed Manager with versioned keys. It stands in for an
// external KMS in development and single-node deployments.
type LocalKMS struct {
	mu    sync.RWMutex
	store keystore
	path  string
	keys  map[int][]byte // decoded keys cache
}

// NewLocalKMS loads or creates a local keystore at the given path.
// If the file does not exist, a new key (version 1) is generated.
func NewLocalKMS(keystorePath string) (*LocalKMS, error) {
	k := &LocalKMS{
		path: keystorePath,
		keys: make(map[int][]byte),
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}

		key := make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("kms: generate key: %w", err)
		}

		k.store = keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
		}
		k.keys[1] = key

		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &k.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}

	for vStr, encoded := range k.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("kms: key v%d invalid length %d (need %d)", v, len(key), KeySize)
		}
		k.keys[v] = key
	}

	if _, ok := k.keys[k.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", k.store.ActiveVersion)
	}

	return k, nil
}

// ImportKey imports an existing raw key as the given version and makes it
// active. This enables migration from an env-var secret.
func (k *LocalKMS) ImportKey(rawKey []byte, version int) error {
	if len(rawKey) != KeySize {
		return fmt.Errorf("kms: import key must be %d bytes, got %d", KeySize, len(rawKey))
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.store.Keys == nil {
		k.store.Keys = make(map[string]string)
	}
	k.store.Keys[strconv.Itoa(version)] = base64.StdEncoding.EncodeToString(rawKey)
	k.store.ActiveVersion = version
	k.keys[version] = rawKey

	return k.persist()
}

// DataKey returns the active key and its version.
func (k *LocalKMS) DataKey() ([]byte, int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, ok := k.keys[k.store.ActiveVersion]
	if !ok {
		return nil, 0, fmt.Errorf("kms: active version %d not in keystore", k.store.ActiveVersion)
	}
	return key, k.store.ActiveVersion, nil
}

// KeyByVersion returns the key for a specific version.
func (k *LocalKMS) KeyByVersion(version int) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("kms: unknown key version %d", version)
	}
	return key, nil
}

// Rotate generates a new key version and persists the updated keystore.
func (k *LocalKMS) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	newVersion := k.store.ActiveVersion + 1

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("kms: generate key: %w", err)
	}

	k.store.Keys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(key)
	k.store.ActiveVersion = newVersion
	k.keys[newVersion] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the current active key version.
func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

// persist writes the keystore to disk with restricted permissions.
func (k *LocalKMS) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}
