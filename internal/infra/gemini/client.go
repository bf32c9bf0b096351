package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"daily_standup_bot/internal/domain/textgen"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	DefaultModel   = "gemini-2.5-flash"
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultTimeout = 60 * time.Second

	maxAttempts     = 3
	initialInterval = 2 * time.Second
	maxErrorBody    = 4096
)

// Client calls the generateContent endpoint. It implements textgen.Generator.
type Client struct {
	httpClient      *http.Client
	apiKey          string
	model           string
	baseURL         string
	logger          *logrus.Entry
	initialInterval time.Duration
}

func NewClient(apiKey, model, baseURL string, timeout time.Duration, logger *logrus.Entry) *Client {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient:      &http.Client{Timeout: timeout},
		apiKey:          apiKey,
		model:           model,
		baseURL:         strings.TrimRight(baseURL, "/"),
		logger:          logger,
		initialInterval: initialInterval,
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Generate sends prompt and returns the text of the first candidate with asterisks removed.
// Transport errors and 5xx/429 responses are retried; every failure wraps textgen.ErrUnavailable.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	reqJSON, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", textgen.ErrUnavailable, err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)

	var text string
	attempt := 0
	op := func() error {
		attempt++
		out, err := c.call(ctx, url, reqJSON)
		if err != nil {
			return err
		}
		text = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("Gemini request failed, retrying")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", fmt.Errorf("%w: %v", textgen.ErrUnavailable, err)
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "*", "")), nil
}

func (c *Client) call(ctx context.Context, url string, reqJSON []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := fmt.Errorf("gemini api error: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", apiErr
		}
		return "", backoff.Permanent(apiErr)
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(result.Candidates) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}
	var texts []string
	for _, p := range result.Candidates[0].Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return "", fmt.Errorf("empty text in gemini response")
	}
	return strings.Join(texts, "\n"), nil
}
