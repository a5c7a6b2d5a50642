package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	geminiBaseURL    = "https://generativelanguage.googleapis.com"
	maxResponseBytes = 4 << 20
)

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey, baseURL, model string) *GeminiProvider {
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Complete calls generateContent
func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	greq := geminiRequest{}
	for _, msg := range req.Messages {
		part := []geminiPart{{Text: msg.Content}}
		switch msg.Role {
		case "system":
			greq.SystemInstruction = &geminiContent{Parts: part}
		case "assistant":
			greq.Contents = append(greq.Contents, geminiContent{Role: "model", Parts: part})
		default:
			greq.Contents = append(greq.Contents, geminiContent{Role: "user", Parts: part})
		}
	}
	if req.MaxTokens > 0 {
		greq.GenerationConfig = &struct {
			MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
		}{MaxOutputTokens: req.MaxTokens}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)

	reqBody, err := json.Marshal(greq)
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, upstreamError(p.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, upstreamError(p.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), resp.StatusCode, body)
	}

	var gresp geminiResponse
	if err := json.Unmarshal(body, &gresp); err != nil {
		return nil, upstreamError(p.Name(), fmt.Errorf("failed to parse response: %w", err))
	}
	if len(gresp.Candidates) == 0 {
		return nil, upstreamError(p.Name(), fmt.Errorf("no candidates"))
	}

	var text strings.Builder
	for _, part := range gresp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	model := gresp.ModelVersion
	if model == "" {
		model = p.model
	}
	return &Completion{
		Text:         text.String(),
		Model:        model,
		InputTokens:  gresp.UsageMetadata.PromptTokenCount,
		OutputTokens: gresp.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "google"
}
