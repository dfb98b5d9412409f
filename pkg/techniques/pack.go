package techniques

import (
	"fmt"
	"os"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Pack is a versioned signature set supplied by an operator. Packs replace
// the built-in signatures wholesale; they never merge.
type Pack struct {
	// Name identifies the pack (org.example/pack-name format).
	Name string `yaml:"name" json:"name"`

	// Version is the pack's semantic version.
	Version string `yaml:"version" json:"version"`

	Signatures []Signature `yaml:"signatures" json:"signatures"`
}

// VersionStore tracks installed pack versions for rollback detection.
type VersionStore interface {
	InstalledVersion(packName string) (*semver.Version, error)
	SetInstalledVersion(packName string, version *semver.Version) error
}

// MemoryVersionStore keeps installed versions in memory. Suitable for tests
// and single-process deployments.
type MemoryVersionStore struct {
	versions map[string]*semver.Version
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{versions: make(map[string]*semver.Version)}
}

func (s *MemoryVersionStore) InstalledVersion(packName string) (*semver.Version, error) {
	return s.versions[packName], nil
}

func (s *MemoryVersionStore) SetInstalledVersion(packName string, version *semver.Version) error {
	s.versions[packName] = version
	return nil
}

// PackLoadError reports a failed validation step. Signature packs drive
// classification outcomes, so every step fails closed: a pack that does not
// fully validate is never installed.
type PackLoadError struct {
	Step       string `json:"step"`
	Reason     string `json:"reason"`
	FailClosed bool   `json:"failClosed"`
}

func (e *PackLoadError) Error() string {
	return fmt.Sprintf("signature pack load failed at step '%s': %s (fail_closed=%v)",
		e.Step, e.Reason, e.FailClosed)
}

// PackLoader validates and installs signature packs.
type PackLoader struct {
	versions VersionStore
}

// NewPackLoader creates a loader backed by the given version store. A nil
// store disables rollback detection.
func NewPackLoader(versions VersionStore) *PackLoader {
	return &PackLoader{versions: versions}
}

var packNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*(\.[a-z][a-z0-9-]*)*/[a-z][a-z0-9-]*$`)

// Load parses, validates, and installs a pack from YAML. On success the
// installed version is recorded so later loads cannot roll it back.
func (l *PackLoader) Load(data []byte) (*Pack, error) {
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, &PackLoadError{
			Step:       "YAML parse",
			Reason:     err.Error(),
			FailClosed: true,
		}
	}

	if !packNamePattern.MatchString(pack.Name) {
		return nil, &PackLoadError{
			Step:       "Name validation",
			Reason:     fmt.Sprintf("invalid pack name %q (expected org.example/pack-name format)", pack.Name),
			FailClosed: true,
		}
	}

	version, err := semver.NewVersion(pack.Version)
	if err != nil {
		return nil, &PackLoadError{
			Step:       "Version parse",
			Reason:     fmt.Sprintf("invalid version %q: %v", pack.Version, err),
			FailClosed: true,
		}
	}

	if err := l.enforceMonotonicVersion(pack.Name, version); err != nil {
		return nil, &PackLoadError{
			Step:       "Monotonic versioning check",
			Reason:     err.Error(),
			FailClosed: true,
		}
	}

	if err := validateSignatures(pack.Signatures); err != nil {
		return nil, &PackLoadError{
			Step:       "Signature validation",
			Reason:     err.Error(),
			FailClosed: true,
		}
	}

	if l.versions != nil {
		if err := l.versions.SetInstalledVersion(pack.Name, version); err != nil {
			return nil, &PackLoadError{
				Step:       "Version record",
				Reason:     err.Error(),
				FailClosed: true,
			}
		}
	}

	return &pack, nil
}

// LoadFile reads a pack from disk and runs Load on its contents.
func (l *PackLoader) LoadFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &PackLoadError{
			Step:       "File read",
			Reason:     err.Error(),
			FailClosed: true,
		}
	}
	return l.Load(data)
}

// enforceMonotonicVersion prevents rollback to an older signature set.
func (l *PackLoader) enforceMonotonicVersion(packName string, newVersion *semver.Version) error {
	if l.versions == nil {
		return nil
	}
	current, err := l.versions.InstalledVersion(packName)
	if err != nil || current == nil {
		// First install, nothing to compare.
		return nil
	}
	if newVersion.LessThan(current) {
		return fmt.Errorf("rollback from %s to %s denied", current, newVersion)
	}
	return nil
}

func validateSignatures(sigs []Signature) error {
	if len(sigs) == 0 {
		return fmt.Errorf("pack contains no signatures")
	}
	seen := make(map[string]bool, len(sigs))
	for i, sig := range sigs {
		switch {
		case sig.ID == "":
			return fmt.Errorf("signature %d: missing id", i)
		case seen[sig.ID]:
			return fmt.Errorf("signature %q: duplicate id", sig.ID)
		case !sig.Type.Valid():
			return fmt.Errorf("signature %q: unknown type %q", sig.ID, sig.Type)
		case len(sig.Indicators) == 0:
			return fmt.Errorf("signature %q: no indicators", sig.ID)
		case sig.ConfidenceThreshold <= 0 || sig.ConfidenceThreshold > 1:
			return fmt.Errorf("signature %q: confidence threshold %v outside (0,1]", sig.ID, sig.ConfidenceThreshold)
		case !sig.SeverityBase.Valid():
			return fmt.Errorf("signature %q: unknown severity base %q", sig.ID, sig.SeverityBase)
		}
		seen[sig.ID] = true
	}
	return nil
}
