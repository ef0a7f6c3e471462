package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockMessage and friends mirror the Claude Messages API wire shape
// Bedrock's InvokeModel expects for Anthropic models.
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// bedrockInvokeAPI is the one bedrockruntime.Client method Ask calls,
// narrowed to an interface so tests can fake the wire call without a
// live AWS endpoint.
type bedrockInvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockBackend calls AWS Bedrock's InvokeModel API with an Anthropic
// Messages request body.
// Model selection is per-call via Request.Tier, mapped to a Bedrock
// model id by TierModels; an unmapped tier falls back to DefaultModel.
type BedrockBackend struct {
	client       bedrockInvokeAPI
	tierModels   map[string]string
	defaultModel string
	maxTokens    int
}

// NewBedrockBackend loads AWS config from the environment/default chain
// and constructs a backend. region may be empty to use the SDK default
// resolution (env, shared config, instance profile).
func NewBedrockBackend(ctx context.Context, region string, tierModels map[string]string, defaultModel string, maxTokens int) (*BedrockBackend, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrConfig, err)
	}
	if defaultModel == "" {
		defaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &BedrockBackend{
		client:       bedrockruntime.NewFromConfig(cfg),
		tierModels:   tierModels,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
	}, nil
}

func (b *BedrockBackend) modelFor(tier string) string {
	if m, ok := b.tierModels[tier]; ok && m != "" {
		return m
	}
	return b.defaultModel
}

// Ask implements Oracle. WithWeb is not representable in the Messages
// request body used here, so it is accepted but has no effect (the
// OpenAI-compatible backend ignores it as well).
func (b *BedrockBackend) Ask(ctx context.Context, req Request) (Response, error) {
	body := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        b.maxTokens,
		System:           req.System,
		Messages: []bedrockMessage{
			{Role: "user", Content: []bedrockContentBlock{{Type: "text", Text: req.User}}},
		},
		Temperature: 0.2,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: marshal request: %v", ErrInvalid, err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelFor(req.Tier)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return Response{}, fmt.Errorf("%w: bedrock invoke: %v", ErrSoft, err)
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: parse bedrock response: %v", ErrInvalid, err)
	}

	var text string
	for _, c := range resp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" {
		return Response{}, fmt.Errorf("%w: empty bedrock completion", ErrInvalid)
	}

	return Response{
		Content: text,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		},
	}, nil
}
