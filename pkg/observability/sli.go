package observability

import (
	"fmt"
	"sort"
	"sync"
)

// SLISource defines where an SLI draws its data from.
type SLISource string

const (
	SLISourceMetric SLISource = "METRIC"
	SLISourceLog    SLISource = "LOG"
	SLISourceTrace  SLISource = "TRACE"
	SLISourceProbe  SLISource = "PROBE"
)

// SLI defines a service level indicator for one verification operation.
// Queries are written against the exported Hlekkr/ instruments.
type SLI struct {
	SLIID           string    `json:"sliId"`
	Name            string    `json:"name"`
	Operation       string    `json:"operation"`
	Signal          string    `json:"signal"` // availability, latency, accuracy, freshness
	Source          SLISource `json:"source"`
	Unit            string    `json:"unit"`
	GoodEventQuery  string    `json:"goodEventQuery"`
	TotalEventQuery string    `json:"totalEventQuery"`
	LinkedSLOID     string    `json:"linkedSloId,omitempty"`
}

// DefaultSLIs returns the indicator definitions for the core operations,
// pre-linked to the matching DefaultSLOTargets entries.
func DefaultSLIs() []*SLI {
	ops := []struct {
		op    string
		slug  string
		sloID string
	}{
		{OpMetadataExtraction, "metadata-extraction", "slo-metadata-extraction"},
		{OpSourceVerification, "source-verification", "slo-source-verification"},
		{OpDeepfakeAnalysis, "deepfake-analysis", "slo-deepfake-analysis"},
		{OpTrustScoring, "trust-scoring", "slo-trust-scoring"},
		{OpReviewCompletion, "review-completion", "slo-review-completion"},
		{OpThreatProcessing, "threat-processing", "slo-threat-processing"},
	}

	slis := make([]*SLI, 0, len(ops))
	for _, o := range ops {
		slis = append(slis, &SLI{
			SLIID:           "sli-" + o.slug + "-availability",
			Name:            o.slug + " availability",
			Operation:       o.op,
			Signal:          "availability",
			Source:          SLISourceMetric,
			Unit:            "%",
			GoodEventQuery:  fmt.Sprintf(`sum(Hlekkr/Operations{operation=%q}) - sum(Hlekkr/OperationErrors{operation=%q})`, o.op, o.op),
			TotalEventQuery: fmt.Sprintf(`sum(Hlekkr/Operations{operation=%q})`, o.op),
			LinkedSLOID:     o.sloID,
		})
	}
	return slis
}

// SLIRegistry manages SLI definitions.
type SLIRegistry struct {
	mu   sync.Mutex
	slis map[string]*SLI     // sliID -> SLI
	byOp map[string][]string // operation -> sliIDs
}

// NewSLIRegistry creates an empty registry.
func NewSLIRegistry() *SLIRegistry {
	return &SLIRegistry{
		slis: make(map[string]*SLI),
		byOp: make(map[string][]string),
	}
}

// Register adds an SLI definition.
func (r *SLIRegistry) Register(sli *SLI) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sli.SLIID == "" || sli.Name == "" || sli.Operation == "" {
		return fmt.Errorf("SLI requires id, name, and operation")
	}
	if _, exists := r.slis[sli.SLIID]; exists {
		return fmt.Errorf("SLI %q already registered", sli.SLIID)
	}

	r.slis[sli.SLIID] = sli
	r.byOp[sli.Operation] = append(r.byOp[sli.Operation], sli.SLIID)
	return nil
}

// Get retrieves an SLI by ID.
func (r *SLIRegistry) Get(sliID string) (*SLI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sli, ok := r.slis[sliID]
	if !ok {
		return nil, fmt.Errorf("SLI %q not found", sliID)
	}
	return sli, nil
}

// ByOperation returns all SLIs for a given operation.
func (r *SLIRegistry) ByOperation(operation string) []*SLI {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*SLI
	for _, id := range r.byOp[operation] {
		result = append(result, r.slis[id])
	}
	return result
}

// All returns every registered SLI sorted by ID.
func (r *SLIRegistry) All() []*SLI {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*SLI, 0, len(r.slis))
	for _, sli := range r.slis {
		result = append(result, sli)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SLIID < result[j].SLIID })
	return result
}

// LinkToSLO links an SLI to an SLO.
func (r *SLIRegistry) LinkToSLO(sliID, sloID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sli, ok := r.slis[sliID]
	if !ok {
		return fmt.Errorf("SLI %q not found", sliID)
	}
	sli.LinkedSLOID = sloID
	return nil
}

// Count returns the number of registered SLIs.
func (r *SLIRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slis)
}
