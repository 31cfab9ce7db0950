// Package openai calls a text-completion endpoint, either an Azure OpenAI
// deployment or the public OpenAI API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
	"github.com/kirillkom/energy-data-assistant/internal/infrastructure/resilience"
)

const DefaultAzureAPIVersion = "2022-12-01"

type Flavor string

const (
	FlavorAzure  Flavor = "azure"
	FlavorOpenAI Flavor = "openai"
)

type Config struct {
	Flavor Flavor
	// Endpoint is the resource URL for Azure or the API base for OpenAI.
	Endpoint   string
	Deployment string
	Model      string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(cfg Config, exec *resilience.Executor) *Client {
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorAzure
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAzureAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		exec:       exec,
	}
}

type completionRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	N           int      `json:"n"`
	Stop        []string `json:"stop,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

// Complete returns the text of the first choice.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	body := completionRequest{
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		N:           max(req.N, 1),
		Stop:        req.Stop,
	}
	if c.cfg.Flavor == FlavorOpenAI {
		body.Model = c.cfg.Model
	}

	resp, err := resilience.Do(ctx, c.exec, "openai_completion", func(ctx context.Context) (completionResponse, error) {
		var out completionResponse
		err := c.post(ctx, body, &out)
		return out, err
	}, resilience.ClassifyHTTPError)
	if err != nil {
		return "", resilience.WrapTemporary("openai completion", err, resilience.ClassifyHTTPError)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Text, nil
}

func (c *Client) endpoint() string {
	if c.cfg.Flavor == FlavorOpenAI {
		return c.cfg.Endpoint + "/v1/completions"
	}
	return fmt.Sprintf("%s/openai/deployments/%s/completions?api-version=%s",
		c.cfg.Endpoint, url.PathEscape(c.cfg.Deployment), url.QueryEscape(c.cfg.APIVersion))
}

func (c *Client) post(ctx context.Context, payload completionRequest, out *completionResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal completion request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Flavor == FlavorOpenAI {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.NewHTTPStatusError("openai", "completion", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode completion response: %w", err)
	}
	return nil
}
