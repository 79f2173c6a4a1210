package oracle

import (
	"context"

	"google.golang.org/genai"
)

// GeminiProvider generates code through the Google GenAI SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "API key not configured"}
	}
	if model == "" {
		model = "gemini-2.5-pro"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: "genai client: " + err.Error()}
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Generate performs one generateContent call.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", &Error{Kind: KindTransport, Message: err.Error()}
	}
	text := resp.Text()
	if text == "" {
		return "", &Error{Kind: KindSemantic, Message: "no candidates returned"}
	}
	return text, nil
}
