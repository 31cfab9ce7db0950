package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/resilience"
)

// Client is a Completer backed by a local Ollama server.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(baseURL, model string, exec *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		exec:       exec,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Complete ignores req.N; the server returns a single completion.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	body := generateRequest{
		Model:  c.model,
		Prompt: req.Prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}
	text, err := resilience.Do(ctx, c.exec, "ollama_generate", func(ctx context.Context) (string, error) {
		return c.generate(ctx, payload)
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return "", resilience.WrapTemporary("ollama generate", err, resilience.ClassifyHTTPError)
	}
	return text, nil
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *Client) generate(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", resilience.NewHTTPStatusError("ollama", "generate", resp)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return out.Response, nil
}
