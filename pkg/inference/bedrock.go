package inference

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// bedrockAPI is the slice of the Bedrock runtime client we call; tests stub it.
type bedrockAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient invokes multimodal models through the Bedrock runtime.
type BedrockClient struct {
	api bedrockAPI
}

// NewBedrockClient creates a client against the given region.
func NewBedrockClient(ctx context.Context, region string) (*BedrockClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &BedrockClient{api: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// NewBedrockClientFromAPI wraps an already-configured runtime client.
func NewBedrockClientFromAPI(api bedrockAPI) *BedrockClient {
	return &BedrockClient{api: api}
}

// bedrockMessageBody is the Anthropic-on-Bedrock invoke payload: one user
// turn carrying the media as a base64 image block followed by the prompt.
type bedrockMessageBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature,omitempty"`
	TopP             float64          `json:"top_p,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []bedrockBlock `json:"content"`
}

type bedrockBlock struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	Source *bedrockSource `json:"source,omitempty"`
}

type bedrockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (c *BedrockClient) Invoke(ctx context.Context, req Request) (Response, error) {
	if req.ModelID == "" {
		return Response{}, fault.New(fault.CodeInputInvalid, "model invocation requires a model id")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	content := []bedrockBlock{}
	if req.Base64Payload != "" {
		content = append(content, bedrockBlock{
			Type: "image",
			Source: &bedrockSource{
				Type:      "base64",
				MediaType: req.ContentType,
				Data:      req.Base64Payload,
			},
		})
	}
	content = append(content, bedrockBlock{Type: "text", Text: req.Prompt})

	body, err := json.Marshal(bedrockMessageBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Messages:         []bedrockMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return Response{}, fault.Wrap(fault.CodeInputInvalid, err, "marshaling bedrock request")
	}

	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.ModelID),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, fault.Wrap(fault.CodeTimeout, err, "bedrock invocation timed out")
		}
		return Response{}, fault.Wrap(fault.CodeModelFailed, err, "invoking bedrock model")
	}

	return Response{Raw: out.Body}, nil
}

var _ Client = (*BedrockClient)(nil)
