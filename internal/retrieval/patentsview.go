package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/patent-categorizer/internal/patent"
)

const (
	DefaultSearchURL = "https://search.patentsview.org/api/v1/patent"
	DefaultLegacyURL = "https://api.patentsview.org/patents/query"

	defaultRateLimitWait = time.Second
	maxRateLimitWait     = 5 * time.Second
)

type patentsResponse struct {
	Error   bool             `json:"error"`
	Count   int              `json:"count"`
	Patents []map[string]any `json:"patents"`
}

type apiClient struct {
	url    string
	apiKey string
	http   *http.Client
	// rateLimitWait is the pause before the single retry of a 429 response
	// that carries no Retry-After header.
	rateLimitWait time.Duration
}

func newAPIClient(url, apiKey string, httpClient *http.Client) apiClient {
	return apiClient{url: url, apiKey: strings.TrimSpace(apiKey), http: httpClient, rateLimitWait: defaultRateLimitWait}
}

// post returns an error for transport failures, non-200 responses, bodies
// that do not decode and responses flagged error=true. A 429 is retried once
// after Retry-After (capped) before the error is returned.
func (c apiClient) post(ctx context.Context, body map[string]any) (patentsResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return patentsResponse{}, err
	}
	resp, status, retryAfter, err := c.postOnce(ctx, payload)
	if status != http.StatusTooManyRequests {
		return resp, err
	}
	wait := retryAfter
	if wait <= 0 {
		wait = c.rateLimitWait
	}
	if wait > maxRateLimitWait {
		wait = maxRateLimitWait
	}
	logf("rate_limited url=%s retry_in=%s", c.url, wait)
	if err := sleepCtx(ctx, wait); err != nil {
		return patentsResponse{}, err
	}
	resp, _, _, err = c.postOnce(ctx, payload)
	return resp, err
}

func (c apiClient) postOnce(ctx context.Context, payload []byte) (patentsResponse, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return patentsResponse{}, 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return patentsResponse{}, 0, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if res.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
		return patentsResponse{}, res.StatusCode, retryAfter, fmt.Errorf("status code: %d body=%s", res.StatusCode, truncate(string(b), 300))
	}

	var parsed patentsResponse
	if err := json.Unmarshal(b, &parsed); err != nil {
		return patentsResponse{}, res.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error {
		return patentsResponse{}, res.StatusCode, 0, fmt.Errorf("patentsview error flag true body=%s", truncate(string(b), 300))
	}
	return parsed, res.StatusCode, 0, nil
}

// parseRetryAfter reads the delay-seconds form only.
func parseRetryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SearchStrategy queries the current PatentsView search API with a single
// "<field>:<value>" query.
type SearchStrategy struct {
	client apiClient
}

func NewSearchStrategy(url, apiKey string, httpClient *http.Client) *SearchStrategy {
	if url == "" {
		url = DefaultSearchURL
	}
	return &SearchStrategy{client: newAPIClient(url, apiKey, httpClient)}
}

func (s *SearchStrategy) Name() string { return string(patent.SourceSearch) }

func (s *SearchStrategy) Attempt(ctx context.Context, id patent.Identifier) (patent.Record, bool, error) {
	resp, err := s.client.post(ctx, searchQuery(id))
	if err != nil {
		return patent.Record{}, false, err
	}
	if len(resp.Patents) == 0 {
		return patent.Record{}, false, nil
	}
	return finishRecord(SearchMapping.Apply(resp.Patents[0]), id, patent.SourceSearch), true, nil
}

func searchQuery(id patent.Identifier) map[string]any {
	return map[string]any{
		"q":    fmt.Sprintf("%s:%s", id.FieldType, id.NormalizedNumber),
		"fl":   SearchFields,
		"sort": []map[string]string{{"patent_date": "desc"}},
	}
}

// legacyQueryFields names the legacy API field to match for each field type.
// Each field is tried with every shape in legacyShapes.
var legacyQueryFields = map[patent.FieldType][]string{
	patent.FieldPatentNumber:      {"patent_number"},
	patent.FieldApplicationNumber: {"app_number"},
	patent.FieldPublicationNumber: {"app_number", "patent_number"},
}

var legacyShapes = []func(field, value string) map[string]any{
	func(field, value string) map[string]any { return map[string]any{field: value} },
	func(field, value string) map[string]any { return map[string]any{"_eq": map[string]any{field: value}} },
}

// LegacyStrategy retries against the older PatentsView query API. Candidate
// query shapes are tried in order and the first one with a result wins.
type LegacyStrategy struct {
	client apiClient
}

func NewLegacyStrategy(url, apiKey string, httpClient *http.Client) *LegacyStrategy {
	if url == "" {
		url = DefaultLegacyURL
	}
	return &LegacyStrategy{client: newAPIClient(url, apiKey, httpClient)}
}

func (s *LegacyStrategy) Name() string { return string(patent.SourceLegacy) }

func (s *LegacyStrategy) Attempt(ctx context.Context, id patent.Identifier) (patent.Record, bool, error) {
	queries := legacyQueries(id)
	var lastErr error
	for i, q := range queries {
		resp, err := s.client.post(ctx, q)
		if err != nil {
			lastErr = err
			logf("legacy_shape_failed shape=%d/%d err=%q", i+1, len(queries), err.Error())
			if ctx.Err() != nil {
				return patent.Record{}, false, ctx.Err()
			}
			continue
		}
		if len(resp.Patents) == 0 {
			continue
		}
		return finishRecord(LegacyMapping.Apply(resp.Patents[0]), id, patent.SourceLegacy), true, nil
	}
	return patent.Record{}, false, lastErr
}

func legacyQueries(id patent.Identifier) []map[string]any {
	fields := legacyQueryFields[id.FieldType]
	if len(fields) == 0 {
		fields = []string{string(id.FieldType)}
	}
	out := make([]map[string]any, 0, len(fields)*len(legacyShapes))
	for _, field := range fields {
		for _, shape := range legacyShapes {
			out = append(out, map[string]any{
				"q": shape(field, id.NormalizedNumber),
				"f": LegacyFields,
			})
		}
	}
	return out
}

func finishRecord(rec patent.Record, id patent.Identifier, src patent.Source) patent.Record {
	if rec.PatentNumber == "" {
		rec.PatentNumber = id.NormalizedNumber
	}
	rec.PatentType = id.PatentType
	rec.Source = src
	return rec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
