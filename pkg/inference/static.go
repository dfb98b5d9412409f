package inference

import (
	"context"
	"encoding/json"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// StaticClient serves canned responses keyed by model ID. Deterministic, so
// tests and air-gapped deployments get stable analysis output. Unmapped
// models receive the conservative prior: confidence 0.5, no techniques.
type StaticClient struct {
	responses map[string][]byte
	failWith  map[string]error
}

// NewStaticClient creates an empty static backend.
func NewStaticClient() *StaticClient {
	return &StaticClient{
		responses: make(map[string][]byte),
		failWith:  make(map[string]error),
	}
}

// Respond registers the raw bytes returned for a model ID.
func (c *StaticClient) Respond(modelID string, raw []byte) *StaticClient {
	c.responses[modelID] = raw
	return c
}

// RespondJSON registers a JSON document returned for a model ID.
func (c *StaticClient) RespondJSON(modelID string, doc any) *StaticClient {
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err) // registration-time programmer error
	}
	return c.Respond(modelID, data)
}

// FailWith makes invocations of a model ID return err.
func (c *StaticClient) FailWith(modelID string, err error) *StaticClient {
	c.failWith[modelID] = err
	return c
}

func (c *StaticClient) Invoke(_ context.Context, req Request) (Response, error) {
	if req.ModelID == "" {
		return Response{}, fault.New(fault.CodeInputInvalid, "model invocation requires a model id")
	}
	if err, ok := c.failWith[req.ModelID]; ok {
		return Response{}, err
	}
	if raw, ok := c.responses[req.ModelID]; ok {
		return Response{Raw: raw}, nil
	}

	prior, _ := json.Marshal(map[string]any{
		"confidence":     0.5,
		"techniques":     []string{},
		"certainty":      "low",
		"details":        "no model available; conservative prior",
		"key_indicators": []string{},
		"analysis_type":  "conservative_prior",
	})
	return Response{Raw: prior}, nil
}

var _ Client = (*StaticClient)(nil)
