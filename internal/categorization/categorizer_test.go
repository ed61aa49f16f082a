package categorization

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joelkehle/patent-categorizer/internal/cache"
	"github.com/joelkehle/patent-categorizer/internal/patent"
)

type fakeLLMCaller struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeLLMCaller) GenerateJSON(_ context.Context, _ string, prompt string) (string, error) {
	i := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", nil
}

func (f *fakeLLMCaller) ModelName() string { return "test-model" }

const validJSON = `{"technology_areas":["Human-computer interaction"],"primary_category":"Input devices","ipc_predicted":["G06F 3/033"],"cpc_predicted":["G06F3/0338"],"uspc_predicted":"345/161","reasoning":"Describes a pointing device."}`

func newStoreWithRecord(t *testing.T, key string) *cache.Store {
	t.Helper()
	s, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.PutRecord(context.Background(), key, patent.Record{PatentNumber: "6172354", Source: patent.SourceSearch}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCategorizeParsesFencedAndPlainIdentically(t *testing.T) {
	plain := &fakeLLMCaller{responses: []string{validJSON}}
	fenced := &fakeLLMCaller{responses: []string{"```json\n" + validJSON + "\n```"}}

	a, err := NewCategorizer(plain, nil).Categorize(context.Background(), "k", "t", "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewCategorizer(fenced, nil).Categorize(context.Background(), "k", "t", "a")
	if err != nil {
		t.Fatal(err)
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Fatalf("fenced parse differs:\n%s\n%s", ja, jb)
	}
	if a.PrimaryCategory != "Input devices" || len(a.USPCPredicted) != 1 || a.USPCPredicted[0] != "345/161" {
		t.Fatalf("unexpected result %+v", a)
	}
}

func TestCategorizeSecondCallUsesCache(t *testing.T) {
	key := patent.CacheKey(patent.TypeGranted, "6172354")
	store := newStoreWithRecord(t, key)
	caller := &fakeLLMCaller{responses: []string{validJSON, validJSON}}
	c := NewCategorizer(caller, store)

	first, err := c.Categorize(context.Background(), key, "Operator input device", "abstract")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Categorize(context.Background(), key, "Operator input device", "abstract")
	if err != nil {
		t.Fatal(err)
	}
	if caller.calls != 1 {
		t.Fatalf("expected one LLM call, got %d", caller.calls)
	}
	if first.PrimaryCategory != second.PrimaryCategory || second.Reasoning == "" {
		t.Fatalf("cached result differs: %+v vs %+v", first, second)
	}
}

func TestCategorizeInvalidJSONCarriesTruncatedRaw(t *testing.T) {
	raw := "Sure! Here is the categorization: " + strings.Repeat("x", 700)
	c := NewCategorizer(&fakeLLMCaller{responses: []string{raw}}, nil)
	_, err := c.Categorize(context.Background(), "k", "t", "a")
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if len(ce.Raw) != RawPreviewChars || !strings.HasPrefix(ce.Raw, "Sure!") {
		t.Fatalf("expected %d-char raw preview, got %d", RawPreviewChars, len(ce.Raw))
	}
}

func TestCategorizeWithoutCallerReportsMissingKey(t *testing.T) {
	c := NewCategorizer(nil, nil)
	_, err := c.Categorize(context.Background(), "k", "t", "a")
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if c.Configured() {
		t.Fatal("expected unconfigured categorizer")
	}
}

func TestCategorizeTransportErrorNotCached(t *testing.T) {
	key := "Granted Patent_1"
	store := newStoreWithRecord(t, key)
	caller := &fakeLLMCaller{errs: []error{errors.New("status 503")}, responses: []string{"", validJSON}}
	c := NewCategorizer(caller, store)

	if _, err := c.Categorize(context.Background(), key, "t", "a"); err == nil {
		t.Fatal("expected first call to fail")
	}
	if _, ok, _ := store.GetCategorization(context.Background(), key); ok {
		t.Fatal("failure must not be cached")
	}
	if _, err := c.Categorize(context.Background(), key, "t", "a"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

func TestCorruptCachedCategorizationIsRecomputed(t *testing.T) {
	key := "Granted Patent_2"
	store := newStoreWithRecord(t, key)
	if err := store.PutCategorization(context.Background(), key, map[string]any{"technology_areas": 5}); err != nil {
		t.Fatal(err)
	}
	caller := &fakeLLMCaller{responses: []string{validJSON}}
	res, err := NewCategorizer(caller, store).Categorize(context.Background(), key, "t", "a")
	if err != nil {
		t.Fatal(err)
	}
	if caller.calls != 1 || res.PrimaryCategory != "Input devices" {
		t.Fatalf("expected recompute, calls=%d res=%+v", caller.calls, res)
	}
}

func TestBuildPromptIncludesTitleAbstractAndKeys(t *testing.T) {
	p := BuildPrompt(" Operator input device ", "An input device.")
	for _, want := range []string{"Title: Operator input device\n", "Abstract: An input device.", "technology_areas", "primary_category", "ipc_predicted", "cpc_predicted", "uspc_predicted", "reasoning"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestChatCallerRequestAndResponse(t *testing.T) {
	var calls int32
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"` + "```json\\n{\\\"primary_category\\\":\\\"Physics\\\"}\\n```" + `"}}]}`))
	}))
	defer srv.Close()

	caller, err := NewCaller(CallerConfig{Provider: ProviderGroq, URL: srv.URL, APIKey: "k", Temperature: 0.2, MaxTokens: 300, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewCategorizer(caller, nil).Categorize(context.Background(), "k", "t", "a")
	if err != nil {
		t.Fatal(err)
	}
	if res.PrimaryCategory != "Physics" {
		t.Fatalf("unexpected result %+v", res)
	}
	if auth != "Bearer k" || got.Model != DefaultGroqModel || got.MaxTokens != 300 || got.Temperature != 0.2 {
		t.Fatalf("unexpected request auth=%q body=%+v", auth, got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestChatCallerNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()
	caller, _ := NewCaller(CallerConfig{URL: srv.URL, APIKey: "bad", HTTPClient: srv.Client()})
	_, err := caller.GenerateJSON(context.Background(), SystemPrompt, "p")
	if err == nil || !strings.Contains(err.Error(), "status=401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewCallerRequiresKeyAndKnownProvider(t *testing.T) {
	if _, err := NewCaller(CallerConfig{Provider: ProviderOpenAI}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected missing key, got %v", err)
	}
	if _, err := NewCaller(CallerConfig{Provider: "bard", APIKey: "k"}); err == nil {
		t.Fatal("expected unknown provider error")
	}
	c, err := NewCaller(CallerConfig{Provider: ProviderAnthropic, APIKey: "k"})
	if err != nil || c.ModelName() != DefaultAnthropicModel {
		t.Fatalf("unexpected anthropic caller %v %v", c, err)
	}
}

func TestStripCodeFences(t *testing.T) {
	for in, want := range map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
	} {
		if got := stripCodeFences(in); got != want {
			t.Fatalf("stripCodeFences(%q) = %q", in, got)
		}
	}
}

func TestBuildFallback(t *testing.T) {
	citations := 3
	rec := patent.Record{
		PatentNumber: "6172354",
		Title:        patent.StringPtr("Operator input device"),
		FilingDate:   patent.StringPtr("1998-07-31"),
		Inventors:    patent.ZipInventors([]string{"Tetsuji"}, []string{"Adan"}),
		CPCCodes:     []string{"G06F3/0338", "G0"},
		Citations:    &citations,
		Source:       patent.SourceSearch,
	}
	fb := BuildFallback(rec)
	if fb.Source != FallbackSource || fb.Title != "Operator input device" || fb.Abstract != "" {
		t.Fatalf("unexpected fallback %+v", fb)
	}
	if len(fb.CPCCodes) != 1 || fb.Sections["G"] != "Physics" {
		t.Fatalf("unexpected cpc parse %+v", fb.CPCCodes)
	}
	if fb.Dates.FilingDate == nil || fb.Dates.PublicationDate != nil {
		t.Fatalf("unexpected dates %+v", fb.Dates)
	}
}

type fakeMessager struct {
	params anthropic.MessageNewParams
	reply  string
}

func (f *fakeMessager) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = params
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.reply}}}, nil
}

func TestAnthropicCallerSendsSystemAndPrompt(t *testing.T) {
	m := &fakeMessager{reply: validJSON}
	caller := &AnthropicCaller{messages: m, model: DefaultAnthropicModel, cfg: CallerConfig{MaxTokens: 512}}
	res, err := NewCategorizer(caller, nil).Categorize(context.Background(), "k", "Operator input device", "a")
	if err != nil {
		t.Fatal(err)
	}
	if res.PrimaryCategory != "Input devices" {
		t.Fatalf("unexpected result %+v", res)
	}
	if m.params.MaxTokens != 512 || string(m.params.Model) != DefaultAnthropicModel {
		t.Fatalf("unexpected params %+v", m.params)
	}
	if len(m.params.System) != 1 || m.params.System[0].Text != SystemPrompt {
		t.Fatalf("unexpected system %+v", m.params.System)
	}
}
