// Package inference adapts model backends behind one invocation contract.
// The ensemble coordinator composes these clients; it never talks to a
// backend directly.
package inference

import (
	"context"
	"time"
)

// invokeTimeout caps a single model invocation.
const invokeTimeout = 120 * time.Second

// Request describes one model invocation over a media payload.
type Request struct {
	MediaID       string  `json:"mediaId"`
	ModelID       string  `json:"modelId"`
	Base64Payload string  `json:"base64Payload"`
	ContentType   string  `json:"contentType"`
	Prompt        string  `json:"prompt"`
	MaxTokens     int     `json:"maxTokens"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"topP"`
}

// Response carries the backend's raw reply. Interpretation (JSON schema,
// fallback regex) is the ensemble's job, not the adapter's.
type Response struct {
	Raw []byte `json:"raw"`
}

// Client invokes one model backend.
type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}
