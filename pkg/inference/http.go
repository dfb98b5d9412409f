package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// HTTPClient invokes a model served behind a plain JSON endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient creates a client posting to endpoint with bearer auth.
func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: invokeTimeout},
	}
}

type httpInvokeRequest struct {
	Model       string  `json:"model"`
	Payload     string  `json:"payload,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

func (c *HTTPClient) Invoke(ctx context.Context, req Request) (Response, error) {
	if req.ModelID == "" {
		return Response{}, fault.New(fault.CodeInputInvalid, "model invocation requires a model id")
	}

	jsonBody, err := json.Marshal(httpInvokeRequest{
		Model:       req.ModelID,
		Payload:     req.Base64Payload,
		ContentType: req.ContentType,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
	if err != nil {
		return Response{}, fault.Wrap(fault.CodeInputInvalid, err, "marshaling invoke request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return Response{}, fault.Wrap(fault.CodeInputInvalid, err, "creating invoke request")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, fault.Wrap(fault.CodeTimeout, err, "model invocation timed out")
		}
		return Response{}, fault.Wrap(fault.CodeModelFailed, err, "invoking model endpoint")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fault.Wrap(fault.CodeModelFailed, err, "reading model response")
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fault.New(fault.CodeModelFailed, "model endpoint returned %d", resp.StatusCode)
	}

	return Response{Raw: raw}, nil
}

var _ Client = (*HTTPClient)(nil)
