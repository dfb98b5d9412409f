package threatintel

var mitigationsByIndicator = map[IndicatorType]string{
	IndicatorContentHash:     "Block distribution of the flagged content hashes across serving surfaces.",
	IndicatorMaliciousDomain: "Add the implicated source domains to the ingestion blocklist.",
	IndicatorTechnique:       "Retune the detection ensemble for the observed manipulation techniques.",
	IndicatorMetadataPattern: "Fast-track human review for uploads matching the metadata pattern.",
	IndicatorFileSignature:   "Quarantine new uploads carrying the flagged file signatures.",
}

var campaignMitigations = []string{
	"Group the correlated uploads under a single investigation.",
	"Rate-limit ingestion from the implicated source domains.",
	"Share the campaign indicators with external intelligence partners.",
}

// Mitigations returns recommended actions for the indicator set, one per
// indicator type present, plus campaign-level actions when the report
// concerns a coordinated campaign.
func Mitigations(indicators []Indicator, campaign bool) []string {
	present := map[IndicatorType]bool{}
	for _, ind := range indicators {
		present[ind.Type] = true
	}

	var out []string
	for _, t := range indicatorOrder {
		if present[t] {
			out = append(out, mitigationsByIndicator[t])
		}
	}
	if campaign {
		out = append(out, campaignMitigations...)
	}
	return out
}
