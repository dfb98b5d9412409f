// Package integrity computes and verifies the HMAC-SHA256 proofs that make
// custody events tamper-evident.
//
// The signing key is never used raw: it is derived per purpose from a KMS
// data key with HKDF-SHA256, and each proof records the key version that
// produced it so verification survives key rotation.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/hlekkr/hlekkr/pkg/canonical"
	"github.com/hlekkr/hlekkr/pkg/fault"
	"github.com/hlekkr/hlekkr/pkg/kms"
)

const (
	// ProofUnknown marks an event whose proof could not be computed. It never
	// verifies; chain verification treats it as a signature failure rather
	// than a silent success.
	ProofUnknown = "UNKNOWN"

	proofScheme = "hmac-sha256"
	kdfSalt     = "hlekkr-custody-kdf"
)

// Prover signs canonical values and verifies proofs.
type Prover interface {
	// Sign returns the proof over the canonical JSON form of v.
	Sign(v any) (string, error)

	// Verify recomputes the proof for v and compares it in constant time.
	Verify(v any, proof string) (bool, error)
}

// HMACProver derives versioned signing keys from a kms.Manager and caches
// them; derivation happens once per key version per process.
type HMACProver struct {
	manager kms.Manager
	purpose string

	mu      sync.RWMutex
	derived map[int][]byte
}

// NewHMACProver builds a prover for the given purpose label. Distinct
// purposes derive distinct signing keys from the same data key.
func NewHMACProver(manager kms.Manager, purpose string) (*HMACProver, error) {
	if manager == nil {
		return nil, fmt.Errorf("integrity: kms manager is required")
	}
	if purpose == "" {
		purpose = "custody-proof"
	}
	return &HMACProver{
		manager: manager,
		purpose: purpose,
		derived: make(map[int][]byte),
	}, nil
}

// Sign computes "hmac-sha256.v<N>:<hex>" over canonical(v) with the active
// key version N.
func (p *HMACProver) Sign(v any) (string, error) {
	msg, err := canonical.Marshal(v)
	if err != nil {
		return "", fault.Wrap(fault.CodeSignatureError, err, "canonicalizing payload")
	}

	_, version, err := p.manager.DataKey()
	if err != nil {
		return "", fault.Wrap(fault.CodeSignatureError, err, "fetching data key")
	}
	key, err := p.signingKey(version)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return fmt.Sprintf("%s.v%d:%s", proofScheme, version, hex.EncodeToString(mac.Sum(nil))), nil
}

// Verify recomputes the proof with the key version the proof names. Unknown
// or malformed proofs verify false without error; missing key versions
// surface as signature faults.
func (p *HMACProver) Verify(v any, proof string) (bool, error) {
	if proof == "" || proof == ProofUnknown {
		return false, nil
	}

	version, digest, err := parseProof(proof)
	if err != nil {
		return false, nil
	}

	msg, err := canonical.Marshal(v)
	if err != nil {
		return false, fault.Wrap(fault.CodeSignatureError, err, "canonicalizing payload")
	}
	key, err := p.signingKey(version)
	if err != nil {
		return false, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	expected, err := hex.DecodeString(digest)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(mac.Sum(nil), expected), nil
}

// signingKey derives (and caches) the HKDF key for a KMS key version.
func (p *HMACProver) signingKey(version int) ([]byte, error) {
	p.mu.RLock()
	key, ok := p.derived[version]
	p.mu.RUnlock()
	if ok {
		return key, nil
	}

	dataKey, err := p.manager.KeyByVersion(version)
	if err != nil {
		return nil, fault.Wrap(fault.CodeSignatureError, err, "resolving key version")
	}

	reader := hkdf.New(sha256.New, dataKey, []byte(kdfSalt), []byte(p.purpose))
	derived := make([]byte, kms.KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fault.Wrap(fault.CodeSignatureError, err, "deriving signing key")
	}

	p.mu.Lock()
	p.derived[version] = derived
	p.mu.Unlock()
	return derived, nil
}

// parseProof splits "hmac-sha256.v<N>:<hex>" into (N, hex).
func parseProof(proof string) (int, string, error) {
	rest, ok := strings.CutPrefix(proof, proofScheme+".v")
	if !ok {
		return 0, "", fmt.Errorf("integrity: unrecognized proof scheme in %q", proof)
	}
	idx := strings.Index(rest, ":")
	if idx < 1 {
		return 0, "", fmt.Errorf("integrity: malformed proof %q", proof)
	}
	version, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, "", fmt.Errorf("integrity: parse proof version: %w", err)
	}
	return version, rest[idx+1:], nil
}
