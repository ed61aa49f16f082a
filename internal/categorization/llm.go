package categorization

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

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	GroqURL   = "https://api.groq.com/openai/v1/chat/completions"
	OpenAIURL = "https://api.openai.com/v1/chat/completions"

	DefaultGroqModel      = "llama3-70b-8192"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultMaxTokens      = 1024
	DefaultTimeout        = 60 * time.Second
)

var ErrMissingAPIKey = errors.New("LLM API key not configured")

type LLMCaller interface {
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)
	ModelName() string
}

type CallerConfig struct {
	Provider    string
	Model       string
	URL         string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// NewCaller returns ErrMissingAPIKey when no key is configured so callers can
// run without categorization.
func NewCaller(cfg CallerConfig) (LLMCaller, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderGroq:
		return newChatCaller(cfg, GroqURL, DefaultGroqModel), nil
	case ProviderOpenAI:
		return newChatCaller(cfg, OpenAIURL, DefaultOpenAIModel), nil
	case ProviderAnthropic:
		model := cfg.Model
		if model == "" {
			model = DefaultAnthropicModel
		}
		return &AnthropicCaller{messages: newAnthropicClient(cfg.APIKey, cfg.Timeout), model: model, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}

// DefaultModel is the model a provider uses when none is configured.
func DefaultModel(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderOpenAI:
		return DefaultOpenAIModel
	case ProviderAnthropic:
		return DefaultAnthropicModel
	default:
		return DefaultGroqModel
	}
}

// --- OpenAI-compatible chat completions (Groq, OpenAI) ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type ChatCaller struct {
	url         string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	http        *http.Client
}

func newChatCaller(cfg CallerConfig, defaultURL, defaultModel string) *ChatCaller {
	c := &ChatCaller{
		url:         cfg.URL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		http:        cfg.HTTPClient,
	}
	if c.url == "" {
		c.url = defaultURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	return c
}

func (c *ChatCaller) ModelName() string { return c.model }

func (c *ChatCaller) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM API error status=%d body=%s", res.StatusCode, truncate(string(b), RawPreviewChars))
	}
	var parsed chatResponse
	if err := json.Unmarshal(b, &parsed); err != nil {
		return "", fmt.Errorf("parsing LLM response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("LLM API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("no choices in LLM response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// --- Anthropic ---

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
	model    string
	cfg      CallerConfig
}

var newAnthropicClient = func(apiKey string, timeout time.Duration) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithRequestTimeout(timeout))
	return &c.Messages
}

func (a *AnthropicCaller) ModelName() string { return a.model }

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(a.cfg.MaxTokens),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(a.cfg.Temperature),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}
