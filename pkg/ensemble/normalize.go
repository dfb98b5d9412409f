package ensemble

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// Parsing methods recorded on each model result.
const (
	parsedJSONSchema    = "json_schema"
	parsedFallbackRegex = "fallback_regex"
)

const responseSchemaURL = "https://hlekkr.schemas.local/ensemble/model-response.schema.json"

// responseSchemaJSON is the fixed contract every model response must meet.
const responseSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "techniques": {"type": "array", "items": {"type": "string"}},
    "certainty": {"type": "string"},
    "details": {"type": "string"},
    "key_indicators": {"type": "array", "items": {"type": "string"}},
    "indicator_confidences": {"type": "object", "additionalProperties": {"type": "number"}},
    "manipulation_type": {"type": "string"},
    "severity_assessment": {"type": "string"}
  },
  "required": ["confidence", "techniques"]
}`

var (
	responseSchemaOnce sync.Once
	responseSchema     *jsonschema.Schema
)

// compiledResponseSchema compiles the response contract exactly once.
func compiledResponseSchema() *jsonschema.Schema {
	responseSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(responseSchemaURL, strings.NewReader(responseSchemaJSON)); err != nil {
			panic(err)
		}
		responseSchema = c.MustCompile(responseSchemaURL)
	})
	return responseSchema
}

// normalizedResponse is a model reply reduced to the fields the fusion uses.
type normalizedResponse struct {
	Confidence           float64            `json:"confidence"`
	Techniques           []string           `json:"techniques"`
	Certainty            string             `json:"certainty"`
	Details              string             `json:"details"`
	KeyIndicators        []string           `json:"key_indicators"`
	IndicatorConfidences map[string]float64 `json:"indicator_confidences"`
	ManipulationType     string             `json:"manipulation_type"`
	SeverityAssessment   string             `json:"severity_assessment"`
	ParsingMethod        string             `json:"-"`
}

// normalizeResponse parses a raw model reply. Strict JSON against the fixed
// schema first; regex recovery of confidence and techniques second. Replies
// neither path can read are errors the caller synthesizes a failed result
// from.
func normalizeResponse(raw []byte) (normalizedResponse, error) {
	if doc, ok := decodeJSONDocument(raw); ok {
		if err := compiledResponseSchema().Validate(doc); err == nil {
			var out normalizedResponse
			data, _ := json.Marshal(doc)
			if err := json.Unmarshal(data, &out); err == nil {
				out.ParsingMethod = parsedJSONSchema
				if out.Techniques == nil {
					out.Techniques = []string{}
				}
				return out, nil
			}
		}
	}
	return fallbackRegexExtract(raw)
}

// decodeJSONDocument unmarshals raw as JSON, tolerating replies that wrap a
// JSON object in prose by trying the outermost brace span.
func decodeJSONDocument(raw []byte) (any, bool) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err == nil {
		return doc, true
	}
	first := bytes.IndexByte(raw, '{')
	last := bytes.LastIndexByte(raw, '}')
	if first < 0 || last <= first {
		return nil, false
	}
	if err := json.Unmarshal(raw[first:last+1], &doc); err != nil {
		return nil, false
	}
	return doc, true
}

var (
	confidenceRe = regexp.MustCompile(`(?i)["']?confidence["']?\s*[:=]\s*([0-9]*\.?[0-9]+)`)
	techniquesRe = regexp.MustCompile(`(?i)["']?techniques["']?\s*[:=]\s*\[([^\]]*)\]`)
	certaintyRe  = regexp.MustCompile(`(?i)["']?certainty["']?\s*[:=]\s*["']?([a-z_]+)`)
)

// fallbackRegexExtract recovers confidence and techniques from replies that
// are not valid schema JSON.
func fallbackRegexExtract(raw []byte) (normalizedResponse, error) {
	text := string(raw)

	m := confidenceRe.FindStringSubmatch(text)
	if m == nil {
		return normalizedResponse{}, fault.New(fault.CodeModelFailed, "model response carries no recoverable confidence")
	}
	confidence, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return normalizedResponse{}, fault.Wrap(fault.CodeModelFailed, err, "parsing recovered confidence")
	}
	// Models occasionally answer in percent.
	if confidence > 1 && confidence <= 100 {
		confidence /= 100
	}
	if confidence < 0 || confidence > 1 {
		return normalizedResponse{}, fault.New(fault.CodeModelFailed, "recovered confidence %v outside [0,1]", confidence)
	}

	out := normalizedResponse{
		Confidence:    confidence,
		Techniques:    []string{},
		ParsingMethod: parsedFallbackRegex,
	}
	if tm := techniquesRe.FindStringSubmatch(text); tm != nil {
		for _, item := range strings.Split(tm[1], ",") {
			tech := strings.Trim(strings.TrimSpace(item), `"'`)
			if tech != "" {
				out.Techniques = append(out.Techniques, tech)
			}
		}
	}
	if cm := certaintyRe.FindStringSubmatch(text); cm != nil {
		out.Certainty = cm[1]
	}
	return out, nil
}
