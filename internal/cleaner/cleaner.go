// Package cleaner post-processes extracted markdown with a chat completion
// model, stripping navigation, cookie banners and other residue the
// extractor let through.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultModel       = openai.ChatModelGPT4oMini
	defaultMaxTokens   = 4000
	defaultTemperature = 0.3
	defaultTimeout     = 60 * time.Second
)

const systemPrompt = "You are a content cleaning assistant that removes noise from scraped web content."

const userPrompt = `You are a content cleaning assistant. Clean and improve the following markdown content scraped from %s.

Your task:
1. Remove navigation menus, footers, cookie notices, and other UI noise
2. Keep only the main content that would be useful for understanding the page
3. Preserve headings, paragraphs, lists, and important information
4. Remove duplicate content
5. Fix formatting issues
6. Keep the content in markdown format
7. Remove excessive whitespace but maintain readability

Original content:
%s

Return ONLY the cleaned markdown content, nothing else.`

// ErrEmptyCompletion is returned when the model answered with no content.
var ErrEmptyCompletion = errors.New("model returned no content")

// Config controls the cleaner.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Cleaner rewrites markdown through the chat completions API. It is safe for
// concurrent use.
type Cleaner struct {
	cfg    Config
	client *openai.Client
}

// New builds a Cleaner. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Cleaner, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(client),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		// Relative API paths resolve against the base, so it must end in a slash.
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	return &Cleaner{cfg: cfg, client: openai.NewClient(opts...)}, nil
}

// Clean returns the cleaned form of markdown scraped from pageURL.
func (c *Cleaner) Clean(ctx context.Context, markdown, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(fmt.Sprintf(userPrompt, pageURL, markdown)),
		}),
		Model:       openai.F(c.cfg.Model),
		Temperature: openai.Float(c.cfg.Temperature),
		MaxTokens:   openai.Int(int64(c.cfg.MaxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	cleaned := strings.TrimSpace(resp.Choices[0].Message.Content)
	if cleaned == "" {
		return "", ErrEmptyCompletion
	}
	return cleaned, nil
}
