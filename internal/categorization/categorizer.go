package categorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	SystemPrompt    = "You are a patent analyst. Always return valid JSON."
	RawPreviewChars = 500

	tracerName = "github.com/joelkehle/patent-categorizer/internal/categorization"
)

const promptTemplate = `Title: %s
Abstract: %s

Categorize this patent by technology. Return ONLY a JSON object, with no prose before or after it, using exactly these keys:
- "technology_areas": list of short technology area names
- "primary_category": the single best category
- "ipc_predicted": list of predicted IPC codes
- "cpc_predicted": list of predicted CPC codes
- "uspc_predicted": list of predicted USPC classes
- "reasoning": one or two sentences explaining the categorization`

// StringList decodes either a JSON array of strings or a single string.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	if strings.TrimSpace(one) == "" {
		*l = nil
		return nil
	}
	*l = StringList{one}
	return nil
}

type Result struct {
	TechnologyAreas StringList `json:"technology_areas"`
	PrimaryCategory string     `json:"primary_category"`
	IPCPredicted    StringList `json:"ipc_predicted"`
	CPCPredicted    StringList `json:"cpc_predicted"`
	USPCPredicted   StringList `json:"uspc_predicted"`
	Reasoning       string     `json:"reasoning"`
}

// Error is the structured failure handed to the presentation layer. Raw holds
// at most RawPreviewChars of the model output.
type Error struct {
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

type Cache interface {
	GetCategorization(ctx context.Context, key string) (json.RawMessage, bool, error)
	PutCategorization(ctx context.Context, key string, result any) error
}

type Categorizer struct {
	caller LLMCaller
	cache  Cache
	tracer trace.Tracer
}

// NewCategorizer accepts a nil caller; Categorize then reports a missing key
// for anything not already cached.
func NewCategorizer(caller LLMCaller, cache Cache) *Categorizer {
	return &Categorizer{caller: caller, cache: cache, tracer: otel.Tracer(tracerName)}
}

func (c *Categorizer) Configured() bool { return c.caller != nil }

func (c *Categorizer) ModelName() string {
	if c.caller == nil {
		return ""
	}
	return c.caller.ModelName()
}

// Categorize returns the cached result for key if one exists; otherwise it
// asks the model and stores a successful answer under key. Every failure
// comes back as *Error.
func (c *Categorizer) Categorize(ctx context.Context, key, title, abstract string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "categorization.Categorize", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if res, ok := c.cached(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return res, nil
	}
	res, err := c.generate(ctx, title, abstract)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logf("categorize_failed key=%q err=%q", key, err.Error())
		return Result{}, err
	}
	if c.cache != nil {
		if err := c.cache.PutCategorization(ctx, key, res); err != nil {
			logf("cache_write_failed key=%q err=%q", key, err.Error())
		}
	}
	return res, nil
}

func (c *Categorizer) cached(ctx context.Context, key string) (Result, bool) {
	if c.cache == nil {
		return Result{}, false
	}
	raw, ok, err := c.cache.GetCategorization(ctx, key)
	if err != nil {
		logf("cache_read_failed key=%q err=%q", key, err.Error())
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		logf("cache_decode_failed key=%q err=%q", key, err.Error())
		return Result{}, false
	}
	return res, true
}

func (c *Categorizer) generate(ctx context.Context, title, abstract string) (Result, error) {
	if c.caller == nil {
		return Result{}, &Error{Message: "LLM categorization unavailable", Err: ErrMissingAPIKey}
	}
	raw, err := c.caller.GenerateJSON(ctx, SystemPrompt, BuildPrompt(title, abstract))
	if err != nil {
		return Result{}, &Error{Message: "LLM request failed", Err: err}
	}
	clean := stripCodeFences(raw)
	if clean == "" {
		return Result{}, &Error{Message: "LLM returned an empty response"}
	}
	var res Result
	if err := json.Unmarshal([]byte(clean), &res); err != nil {
		return Result{}, &Error{Message: "LLM response was not valid JSON", Raw: truncate(raw, RawPreviewChars), Err: err}
	}
	return res, nil
}

func BuildPrompt(title, abstract string) string {
	return fmt.Sprintf(promptTemplate, strings.TrimSpace(title), strings.TrimSpace(abstract))
}

// AsError extracts the structured error, wrapping foreign errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Message: "categorization failed", Err: err}
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func logf(format string, args ...any) {
	log.Printf("patent-categorizer categorization "+format, args...)
}
