// Package weblookup finds public profile pages for fund leaders through a
// search-backed chat completion API.
package weblookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/pipeline"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar-pro"
)

const lookupPrompt = `Find the LinkedIn profile URL for this person: %s.
Return ONLY valid JSON with no additional text:
{"matched": true|false, "url": "https://..." or null}`

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client performs profile searches against a search-grounded completion API.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a lookup client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Find searches for the person described by descriptor and returns their
// profile URL if one was found. An unverifiable or malformed answer reports
// no match rather than an error.
func (c *Client) Find(ctx context.Context, descriptor string) (pipeline.LookupResult, error) {
	resp, err := c.complete(ctx, fmt.Sprintf(lookupPrompt, descriptor))
	if err != nil {
		return pipeline.LookupResult{}, err
	}

	var result struct {
		Matched bool    `json:"matched"`
		URL     *string `json:"url"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(resp)), &result); err != nil {
		zap.L().Debug("unparseable lookup response",
			zap.String("descriptor", descriptor),
			zap.Error(err),
		)
		return pipeline.LookupResult{}, nil
	}
	if !result.Matched || result.URL == nil || !validProfileURL(*result.URL) {
		return pipeline.LookupResult{}, nil
	}
	return pipeline.LookupResult{Matched: true, ReferenceURL: *result.URL}, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "weblookup: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "weblookup: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "weblookup: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "weblookup: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("weblookup: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", eris.Wrap(err, "weblookup: unmarshal response")
	}
	if len(result.Choices) == 0 {
		return "", eris.New("weblookup: empty response")
	}
	return result.Choices[0].Message.Content, nil
}

func validProfileURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
