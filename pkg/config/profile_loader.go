package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// DeploymentProfile tunes verification behavior for one deployment:
// which domains are trusted or suspicious, which external sources
// corroborate claims, which model backends the ensemble calls, and where
// the score routing thresholds sit.
type DeploymentProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Reputation ReputationConfig `yaml:"reputation" json:"reputation"`
	CrossRef   CrossRefConfig   `yaml:"cross_ref" json:"crossRef"`
	Models     ModelsConfig     `yaml:"models" json:"models"`
	Routing    RoutingConfig    `yaml:"routing" json:"routing"`
}

// ReputationConfig seeds the source verifier's domain lists.
type ReputationConfig struct {
	// Trusted maps a domain to its content categories.
	Trusted    map[string][]string `yaml:"trusted,omitempty" json:"trusted,omitempty"`
	Suspicious []string            `yaml:"suspicious,omitempty" json:"suspicious,omitempty"`
}

// CrossRefConfig registers external corroboration sources, each listing the
// domains it vouches for.
type CrossRefConfig struct {
	Sources map[string][]string `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// ModelsConfig overrides the detection ensemble's model registry. Empty
// fields keep the built-in backends.
type ModelsConfig struct {
	Detailed      string `yaml:"detailed,omitempty" json:"detailed,omitempty"`
	Fast          string `yaml:"fast,omitempty" json:"fast,omitempty"`
	Supplementary string `yaml:"supplementary,omitempty" json:"supplementary,omitempty"`
}

// RoutingConfig places the composite-score thresholds that steer media into
// human review and quarantine.
type RoutingConfig struct {
	// ReviewBelow queues human review for any composite under it.
	ReviewBelow float64 `yaml:"review_below" json:"reviewBelow"`
	// QuarantineBelow additionally quarantines the stored object.
	QuarantineBelow float64 `yaml:"quarantine_below" json:"quarantineBelow"`
}

// DefaultProfile returns the built-in deployment profile. The thresholds
// track the score ladder: below 40 a score reads unverified, below 20
// likely fake.
func DefaultProfile() *DeploymentProfile {
	return &DeploymentProfile{
		Name: "Default verification profile",
		Code: "default",
		Reputation: ReputationConfig{
			Trusted: map[string][]string{
				"reuters.com":    {"news"},
				"apnews.com":     {"news"},
				"bbc.co.uk":      {"news"},
				"factcheck.org":  {"fact-check"},
				"nist.gov":       {"government"},
				"archive.org":    {"archive"},
				"wikimedia.org":  {"reference"},
				"storyful.com":   {"verification"},
				"bellingcat.com": {"investigation"},
			},
		},
		CrossRef: CrossRefConfig{
			Sources: map[string][]string{
				"wire-services": {"reuters.com", "apnews.com"},
				"fact-checkers": {"factcheck.org", "bellingcat.com"},
			},
		},
		Routing: RoutingConfig{
			ReviewBelow:     40,
			QuarantineBelow: 20,
		},
	}
}

// LoadProfile reads a deployment profile YAML. Fields absent from the file
// keep their DefaultProfile values.
func LoadProfile(path string) (*DeploymentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInputInvalid, err, "reading deployment profile")
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fault.Wrap(fault.CodeInputInvalid, err, "parsing deployment profile")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// Validate checks the profile for contradictions.
func (p *DeploymentProfile) Validate() error {
	r := p.Routing
	if r.ReviewBelow < 0 || r.ReviewBelow > 100 {
		return fault.New(fault.CodeInputInvalid, "routing.review_below %v outside [0,100]", r.ReviewBelow)
	}
	if r.QuarantineBelow < 0 || r.QuarantineBelow > 100 {
		return fault.New(fault.CodeInputInvalid, "routing.quarantine_below %v outside [0,100]", r.QuarantineBelow)
	}
	if r.QuarantineBelow > r.ReviewBelow {
		return fault.New(fault.CodeInputInvalid, "routing.quarantine_below %v exceeds routing.review_below %v", r.QuarantineBelow, r.ReviewBelow)
	}
	for domain := range p.Reputation.Trusted {
		if domain == "" {
			return fault.New(fault.CodeInputInvalid, "reputation.trusted contains an empty domain")
		}
	}
	return nil
}

// ReviewPriority maps a composite score to the review queue priority, or ""
// when the score clears the review threshold. The band between quarantine
// and review splits at its midpoint into high and normal urgency.
func (r RoutingConfig) ReviewPriority(composite float64) string {
	switch {
	case composite >= r.ReviewBelow:
		return ""
	case composite < r.QuarantineBelow:
		return "critical"
	case composite < (r.QuarantineBelow+r.ReviewBelow)/2:
		return "high"
	default:
		return "normal"
	}
}

// ShouldQuarantine reports whether the composite falls in the quarantine band.
func (r RoutingConfig) ShouldQuarantine(composite float64) bool {
	return composite < r.QuarantineBelow
}
