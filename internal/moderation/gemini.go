package moderation

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/example/photo-check/internal/logging"
)

// GeminiClassifier uses the Gemini API through the genai SDK.
type GeminiClassifier struct {
	client *genai.Client
	model  string
}

// NewGeminiClassifier opens one client that is reused for every call.
func NewGeminiClassifier(ctx context.Context, apiKey, model string) (*GeminiClassifier, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing Gemini API key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, logging.NewOperationError("moderation.gemini_client", "", err)
	}
	return &GeminiClassifier{client: client, model: strings.TrimSpace(model)}, nil
}

func (c *GeminiClassifier) Model() string { return c.model }

func (c *GeminiClassifier) Close() error { return c.client.Close() }

func (c *GeminiClassifier) Classify(ctx context.Context, jpeg []byte) (Label, error) {
	m := c.client.GenerativeModel(c.model)
	m.SetTemperature(temperature)
	m.SetMaxOutputTokens(maxTokens)

	resp, err := m.GenerateContent(ctx, genai.Text(Instruction), genai.ImageData("jpeg", jpeg))
	if err != nil {
		return Safe, logging.NewOperationError("moderation.gemini", "", err)
	}
	label, err := ParseLabel(firstText(resp))
	if err != nil {
		return Safe, logging.NewOperationError("moderation.gemini", "", err)
	}
	return label, nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
