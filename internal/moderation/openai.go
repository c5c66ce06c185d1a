package moderation

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/example/photo-check/internal/logging"
)

// OpenAIClassifier uses the chat completions API with an inline image.
type OpenAIClassifier struct {
	client *openai.Client
	model  string
}

// NewOpenAIClassifier builds a classifier. baseURL may be empty.
func NewOpenAIClassifier(apiKey, baseURL, model string) (*OpenAIClassifier, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing OpenAI API key")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClassifier{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (c *OpenAIClassifier) Model() string { return c.model }

func (c *OpenAIClassifier) Classify(ctx context.Context, jpeg []byte) (Label, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: Instruction},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
						Detail: openai.ImageURLDetailLow,
					},
				},
			},
		}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Safe, logging.NewOperationError("moderation.openai", "", err)
	}
	if len(resp.Choices) == 0 {
		return Safe, logging.NewOperationError("moderation.openai", "", ErrMalformedResponse)
	}
	label, err := ParseLabel(resp.Choices[0].Message.Content)
	if err != nil {
		return Safe, logging.NewOperationError("moderation.openai", "", err)
	}
	return label, nil
}
