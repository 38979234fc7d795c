package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Backend is one upstream model provider.
type Backend interface {
	Name() string
	Send(ctx context.Context, prompt, sessionKey string) (string, error)
}

// GenAI talks to Gemini through the google genai SDK.
type GenAI struct {
	client *genai.Client
	model  string
}

func NewGenAI(ctx context.Context, apiKey, model string) (*GenAI, error) {
	if apiKey == "" {
		return nil, errors.New("gemini backend requires an api key")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAI{client: client, model: model}, nil
}

func (g *GenAI) Name() string { return "gemini:" + g.model }

func (g *GenAI) Send(ctx context.Context, prompt, _ string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("gemini returned an empty reply")
	}
	return text, nil
}

// HTTP speaks the OpenAI-compatible chat completions protocol.
type HTTP struct {
	Endpoint string
	APIKey   string
	Model    string
	Client   *http.Client
}

func NewHTTP(endpoint, apiKey, model string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		Endpoint: strings.TrimRight(endpoint, "/"),
		APIKey:   apiKey,
		Model:    model,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) Name() string { return "http:" + h.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	User     string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (h *HTTP) Send(ctx context.Context, prompt, sessionKey string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    h.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		User:     sessionKey,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("gateway error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("gateway returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
