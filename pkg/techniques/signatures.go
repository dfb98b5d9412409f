// Package techniques classifies manipulation techniques from detection
// indicators.
//
// Classification is a pure function over a declarative signature set: each
// signature names the indicator vocabulary of one manipulation method, and a
// media item's detected indicators are scored against every signature. The
// built-in set ships in code; operators may override it with a versioned
// signature pack (see pack.go).
package techniques

// TechniqueType groups signatures by the manipulation family they detect.
type TechniqueType string

const (
	TypeEntireFaceSynthesis  TechniqueType = "entire_face_synthesis"
	TypeFaceSwap             TechniqueType = "face_swap"
	TypeFaceReenactment      TechniqueType = "face_reenactment"
	TypeSpeechSynthesis      TechniqueType = "speech_synthesis"
	TypeExpressionTransfer   TechniqueType = "expression_transfer"
	TypeAttributeEditing     TechniqueType = "attribute_editing"
	TypeTraditionalEditing   TechniqueType = "traditional_editing"
	TypeCompressionArtifacts TechniqueType = "compression_artifacts"

	// TypeUnknown is produced by ParseTechniqueType for unrecognized input.
	TypeUnknown TechniqueType = "unknown"
)

var knownTypes = map[TechniqueType]bool{
	TypeEntireFaceSynthesis:  true,
	TypeFaceSwap:             true,
	TypeFaceReenactment:      true,
	TypeSpeechSynthesis:      true,
	TypeExpressionTransfer:   true,
	TypeAttributeEditing:     true,
	TypeTraditionalEditing:   true,
	TypeCompressionArtifacts: true,
}

// ParseTechniqueType maps a string onto a known type, or TypeUnknown.
func ParseTechniqueType(s string) TechniqueType {
	if knownTypes[TechniqueType(s)] {
		return TechniqueType(s)
	}
	return TypeUnknown
}

// Valid reports whether the type is one of the known manipulation families.
func (t TechniqueType) Valid() bool { return knownTypes[t] }

// Severity ranks how damaging a classified technique is.
type Severity string

const (
	SeverityMinimal  Severity = "minimal"
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityScale is the numeric ladder severity math runs on.
var severityScale = map[Severity]float64{
	SeverityMinimal:  0.5,
	SeverityLow:      1,
	SeverityModerate: 2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Score returns the severity's position on the numeric ladder.
func (s Severity) Score() float64 { return severityScale[s] }

// Valid reports whether the severity is a known rung.
func (s Severity) Valid() bool {
	_, ok := severityScale[s]
	return ok
}

// bucketSeverity maps a raw severity score back onto the ladder.
func bucketSeverity(raw float64) Severity {
	switch {
	case raw >= 4:
		return SeverityCritical
	case raw >= 3:
		return SeverityHigh
	case raw >= 2:
		return SeverityModerate
	case raw >= 1:
		return SeverityLow
	default:
		return SeverityMinimal
	}
}

// maxSeverity returns the higher of two severities.
func maxSeverity(a, b Severity) Severity {
	if severityScale[b] > severityScale[a] {
		return b
	}
	return a
}

// EvidenceStrength grades how well the matched indicators support a
// classification.
type EvidenceStrength string

const (
	EvidenceNone       EvidenceStrength = "none"
	EvidenceVeryWeak   EvidenceStrength = "very_weak"
	EvidenceWeak       EvidenceStrength = "weak"
	EvidenceModerate   EvidenceStrength = "moderate"
	EvidenceStrong     EvidenceStrength = "strong"
	EvidenceVeryStrong EvidenceStrength = "very_strong"
)

// Signature is the declarative pattern for one manipulation method.
type Signature struct {
	ID                  string        `json:"id" yaml:"id"`
	Name                string        `json:"name" yaml:"name"`
	Type                TechniqueType `json:"type" yaml:"type"`
	Indicators          []string      `json:"indicators" yaml:"indicators"`
	ConfidenceThreshold float64       `json:"confidenceThreshold" yaml:"confidence_threshold"`
	SeverityBase        Severity      `json:"severityBase" yaml:"severity_base"`
}

// typeConfidenceModifier scales the base confidence by manipulation family.
// Face replacement methods are the best-characterized and get a boost;
// compression artifacts are frequently benign and get damped.
func typeConfidenceModifier(t TechniqueType) float64 {
	switch t {
	case TypeEntireFaceSynthesis, TypeFaceSwap:
		return 1.1
	case TypeCompressionArtifacts:
		return 0.8
	default:
		return 1.0
	}
}

// typeSeverityWeight scales severity by how harmful the family is in
// practice. Full synthesis outranks a face swap outranks codec noise.
func typeSeverityWeight(t TechniqueType) float64 {
	switch t {
	case TypeEntireFaceSynthesis:
		return 1.3
	case TypeFaceSwap:
		return 1.2
	case TypeSpeechSynthesis:
		return 1.15
	case TypeFaceReenactment:
		return 1.1
	case TypeExpressionTransfer:
		return 1.0
	case TypeAttributeEditing:
		return 0.9
	case TypeTraditionalEditing:
		return 0.8
	case TypeCompressionArtifacts:
		return 0.5
	default:
		return 1.0
	}
}

// BuiltinSignatures returns the signature set compiled into the binary.
// The slice is freshly allocated; callers may reorder or filter it.
func BuiltinSignatures() []Signature {
	return []Signature{
		{
			ID:   "deepfakes_face_swap",
			Name: "Face swap",
			Type: TypeFaceSwap,
			Indicators: []string{
				"facial_asymmetry",
				"boundary_artifacts",
				"identity_inconsistency",
				"lighting_mismatch",
				"skin_texture_inconsistency",
			},
			ConfidenceThreshold: 0.6,
			SeverityBase:        SeverityHigh,
		},
		{
			ID:   "deepfakes_entire_synthesis",
			Name: "Entire face synthesis",
			Type: TypeEntireFaceSynthesis,
			Indicators: []string{
				"unnatural_eye_movement",
				"perfect_symmetry",
				"synthetic_skin_texture",
				"background_inconsistency",
				"frequency_artifacts",
			},
			ConfidenceThreshold: 0.65,
			SeverityBase:        SeverityCritical,
		},
		{
			ID:   "face_reenactment",
			Name: "Face reenactment",
			Type: TypeFaceReenactment,
			Indicators: []string{
				"expression_mismatch",
				"temporal_flickering",
				"mouth_sync_errors",
				"head_pose_jitter",
			},
			ConfidenceThreshold: 0.6,
			SeverityBase:        SeverityHigh,
		},
		{
			ID:   "speech_synthesis",
			Name: "Speech synthesis",
			Type: TypeSpeechSynthesis,
			Indicators: []string{
				"robotic_prosody",
				"breathing_absence",
				"spectral_artifacts",
				"unnatural_phoneme_transitions",
				"pitch_over_consistency",
			},
			ConfidenceThreshold: 0.6,
			SeverityBase:        SeverityHigh,
		},
		{
			ID:   "expression_transfer",
			Name: "Expression transfer",
			Type: TypeExpressionTransfer,
			Indicators: []string{
				"expression_mismatch",
				"muscle_movement_errors",
				"micro_expression_absence",
			},
			ConfidenceThreshold: 0.55,
			SeverityBase:        SeverityModerate,
		},
		{
			ID:   "attribute_editing",
			Name: "Attribute editing",
			Type: TypeAttributeEditing,
			Indicators: []string{
				"localized_smoothing",
				"attribute_boundary_artifacts",
				"color_bleeding",
			},
			ConfidenceThreshold: 0.55,
			SeverityBase:        SeverityModerate,
		},
		{
			ID:   "traditional_editing",
			Name: "Traditional editing",
			Type: TypeTraditionalEditing,
			Indicators: []string{
				"clone_stamp_patterns",
				"splicing_edges",
				"resampling_artifacts",
				"histogram_anomalies",
			},
			ConfidenceThreshold: 0.5,
			SeverityBase:        SeverityLow,
		},
		{
			ID:   "compression_artifacts",
			Name: "Compression artifacts",
			Type: TypeCompressionArtifacts,
			Indicators: []string{
				"block_boundaries",
				"quantization_noise",
				"ringing_artifacts",
			},
			ConfidenceThreshold: 0.5,
			SeverityBase:        SeverityMinimal,
		},
	}
}
