package ensemble

const (
	detailedSizeThreshold      = 1 << 20 // 1 MiB
	supplementarySizeThreshold = 5 << 20 // 5 MiB
	supplementaryComplexity    = 0.7
)

// modelSlot is one selected backend with its role in the ensemble.
type modelSlot struct {
	ModelID  string
	Priority Priority
	Depth    Depth
}

func (s modelSlot) prompt() string {
	switch s.Depth {
	case DepthDetailed:
		return "Perform a detailed forensic deepfake analysis of this media. " +
			"Respond with strict JSON: {\"confidence\": number 0-1, \"techniques\": [string], " +
			"\"certainty\": string, \"details\": string, \"key_indicators\": [string], " +
			"\"indicator_confidences\": {string: number}}."
	case DepthSupplementary:
		return "Provide a second-opinion manipulation assessment of this media. " +
			"Respond with strict JSON: {\"confidence\": number 0-1, \"techniques\": [string], " +
			"\"certainty\": string, \"key_indicators\": [string]}."
	default:
		return "Quickly assess whether this media is manipulated. " +
			"Respond with strict JSON: {\"confidence\": number 0-1, \"techniques\": [string], " +
			"\"certainty\": string}."
	}
}

func (s modelSlot) maxTokens() int {
	switch s.Depth {
	case DepthDetailed:
		return 4096
	case DepthSupplementary:
		return 2048
	default:
		return 1024
	}
}

// selectModels picks backends by payload size and complexity. When the fast
// model is missing the selection degrades to any single configured backend
// at fallback priority; an empty registry yields no slots and Analyze
// reports the neutral prior.
func (c *Coordinator) selectModels(in AnalysisInput) []modelSlot {
	if c.models.Fast == "" {
		for _, id := range []string{c.models.Detailed, c.models.Supplementary} {
			if id != "" {
				return []modelSlot{{ModelID: id, Priority: PriorityFallback, Depth: DepthBasic}}
			}
		}
		return nil
	}

	var slots []modelSlot
	if in.Size > detailedSizeThreshold && c.models.Detailed != "" {
		slots = append(slots, modelSlot{ModelID: c.models.Detailed, Priority: PriorityHigh, Depth: DepthDetailed})
	}
	slots = append(slots, modelSlot{ModelID: c.models.Fast, Priority: PriorityStandard, Depth: DepthStandard})

	wantSupplementary := in.Size > supplementarySizeThreshold || in.Complexity > supplementaryComplexity
	if wantSupplementary && c.models.Supplementary != "" && c.pressure.Load() <= pressureShedThreshold {
		slots = append(slots, modelSlot{ModelID: c.models.Supplementary, Priority: PrioritySupplementary, Depth: DepthSupplementary})
	}
	return slots
}
