package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient calls the Google AI Studio (Gemini) API.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// GeminiOption customizes the client.
type GeminiOption func(*GeminiClient)

// WithBaseURL overrides the API endpoint (used by tests).
func WithBaseURL(url string) GeminiOption {
	return func(c *GeminiClient) {
		url = strings.TrimSpace(url)
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) GeminiOption {
	return func(c *GeminiClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewGeminiClient constructs a client for the given API key and model.
func NewGeminiClient(apiKey, model string, options ...GeminiOption) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	model = normalizeModel(model)
	if model == "" {
		return nil, fmt.Errorf("gemini model required")
	}
	c := &GeminiClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultGeminiBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c, nil
}

// SendChat sends the message grounded in the conversation transcript and
// returns the generated reply. History is the complete ordered transcript;
// when it does not already end with the user's message, the message is
// appended as the final user turn. Failures are classified *ProviderError.
func (c *GeminiClient) SendChat(ctx context.Context, message string, history []ChatMessage) (string, error) {
	contents := make([]content, 0, len(history)+1)
	for _, turn := range history {
		contents = append(contents, content{
			Role:  turn.Role,
			Parts: []part{{Text: turn.Content}},
		})
	}
	if n := len(history); n == 0 || history[n-1].Role != ProviderRoleUser || history[n-1].Content != message {
		contents = append(contents, content{
			Role:  ProviderRoleUser,
			Parts: []part{{Text: message}},
		})
	}
	reqBody := generateRequest{
		Contents:         contents,
		GenerationConfig: defaultGenerationConfig(),
		SafetySettings:   defaultSafetySettings(),
	}
	var resp generateResponse
	if err := c.doJSON(ctx, c.endpoint("generateContent"), reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		reason := strings.TrimSpace(resp.PromptFeedback.BlockReason)
		if reason == "" {
			reason = "empty response from gemini"
		} else {
			reason = "response blocked: " + reason
		}
		return "", &ProviderError{Kind: KindFatal, Message: reason}
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// CountTokens returns the provider token count for the text.
func (c *GeminiClient) CountTokens(ctx context.Context, text string) (int, error) {
	reqBody := countTokensRequest{
		Contents: []content{{Parts: []part{{Text: text}}}},
	}
	var resp countTokensResponse
	if err := c.doJSON(ctx, c.endpoint("countTokens"), reqBody, &resp); err != nil {
		return 0, err
	}
	return resp.TotalTokens, nil
}

func (c *GeminiClient) endpoint(method string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s", c.baseURL, c.model, method, c.apiKey)
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	return strings.TrimPrefix(model, "models/")
}

func (c *GeminiClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Kind: KindTransport, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return classifyStatus(resp, errResp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Kind: KindTransport, Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}

func classifyStatus(resp *http.Response, errResp errorResponse) *ProviderError {
	msg := strings.TrimSpace(errResp.Error.Message)
	if msg == "" {
		msg = resp.Status
	}
	kind := KindFatal
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		errResp.Error.Status == "RESOURCE_EXHAUSTED":
		kind = KindThrottled
	case resp.StatusCode >= 500:
		kind = KindTransport
	}
	return &ProviderError{Kind: kind, Status: resp.StatusCode, Message: msg}
}

// Generation parameters carried over from the production defaults.
func defaultGenerationConfig() *generationConfig {
	return &generationConfig{
		Temperature:     0.7,
		TopP:            0.8,
		TopK:            40,
		MaxOutputTokens: 2048,
		CandidateCount:  1,
	}
}

func defaultSafetySettings() []safetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	settings := make([]safetySetting, 0, len(categories))
	for _, category := range categories {
		settings = append(settings, safetySetting{
			Category:  category,
			Threshold: "BLOCK_MEDIUM_AND_ABOVE",
		})
	}
	return settings
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	CandidateCount  int     `json:"candidateCount"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
	SafetySettings   []safetySetting   `json:"safetySettings,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type countTokensRequest struct {
	Contents []content `json:"contents"`
}

type countTokensResponse struct {
	TotalTokens int `json:"totalTokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
