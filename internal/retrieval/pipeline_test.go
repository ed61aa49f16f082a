package retrieval

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
	"time"

	"github.com/joelkehle/patent-categorizer/internal/cache"
	"github.com/joelkehle/patent-categorizer/internal/patent"
)

type fakeRecordCache struct {
	records map[string]patent.Record
	getErr  error
	puts    int
}

func newFakeCache() *fakeRecordCache {
	return &fakeRecordCache{records: map[string]patent.Record{}}
}

func (f *fakeRecordCache) GetRecord(_ context.Context, key string) (patent.Record, bool, error) {
	if f.getErr != nil {
		return patent.Record{}, false, f.getErr
	}
	r, ok := f.records[key]
	return r, ok, nil
}

func (f *fakeRecordCache) PutRecord(_ context.Context, key string, rec patent.Record) error {
	f.puts++
	f.records[key] = rec
	return nil
}

type upstream struct {
	srv   *httptest.Server
	calls int32
}

func newUpstream(t *testing.T, h func(call int32, w http.ResponseWriter, r *http.Request)) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(atomic.AddInt32(&u.calls, 1), w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) count() int32 { return atomic.LoadInt32(&u.calls) }

func writeJSONBody(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func failing(status int) func(int32, http.ResponseWriter, *http.Request) {
	return func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":true}`))
	}
}

func empty(_ int32, w http.ResponseWriter, _ *http.Request) {
	writeJSONBody(w, `{"error":false,"count":0,"patents":[]}`)
}

const scrapePage = `<html><head>
<meta name="DC.type" content="patent">
<meta content="Operator input device
     " name="DC.title">
<meta name="DC.description" content="An operator input device &amp; related method.">
<meta name="DC.date" content="2001-01-09" scheme="dateSubmitted">
</head><body></body></html>`

type stages struct {
	search, legacy, scrape *upstream
}

func buildPipeline(t *testing.T, c RecordCache, st stages) *Pipeline {
	t.Helper()
	cfg := Config{
		SearchURL:         st.search.srv.URL,
		EnableLegacy:      st.legacy != nil,
		EnableScrape:      st.scrape != nil,
		HTTPClient:        st.search.srv.Client(),
		ScrapeURLTemplate: "",
	}
	if st.legacy != nil {
		cfg.LegacyURL = st.legacy.srv.URL
	}
	if st.scrape != nil {
		cfg.ScrapeURLTemplate = st.scrape.srv.URL + "/patent/US%s/en"
	}
	return NewPipeline(c, NewStrategies(cfg)...)
}

func TestRetrieveSearchHappyPath(t *testing.T) {
	var body map[string]any
	search := newUpstream(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		writeJSONBody(w, `{"error":false,"count":2,"patents":[
			{"patent_id":"6172354","patent_title":"Operator input device","patent_abstract":"A device.","patent_date":"2001-01-09",
			 "assignees":[{"assignee_organization":"Microsoft Corporation"}],
			 "inventors":[{"inventor_name_first":"Tetsuji","inventor_name_last":"Adan"}],
			 "cpc_current":[{"cpc_group_id":"G06F3/0338"}],"patent_num_cited_by_us_patents":12},
			{"patent_id":"999","patent_title":"Second result"}]}`)
	})
	c := newFakeCache()
	p := buildPipeline(t, c, stages{search: search})

	id := patent.NewIdentifier("US6172354B1", patent.TypeGranted)
	got, err := p.Retrieve(context.Background(), id)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	rec := got.Record
	if rec.TitleText() != "Operator input device" || rec.Source != patent.SourceSearch {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.PatentNumber != "6172354" || rec.PatentType != patent.TypeGranted {
		t.Fatalf("expected first result identity, got %+v", rec)
	}
	if len(rec.Assignees) != 1 || len(rec.Inventors) != 1 || rec.Inventors[0].Last != "Adan" {
		t.Fatalf("nested fields not reconciled: %+v", rec)
	}
	if len(rec.CPCCodes) != 1 || rec.Citations == nil || *rec.Citations != 12 {
		t.Fatalf("codes/citations not reconciled: %+v", rec)
	}
	if body["q"] != "patent_number:6172354" {
		t.Fatalf("unexpected query %v", body["q"])
	}
	if fl, _ := body["fl"].([]any); len(fl) != len(SearchFields) {
		t.Fatalf("expected fixed field list, got %v", body["fl"])
	}
	if c.puts != 1 {
		t.Fatalf("expected one cache write, got %d", c.puts)
	}
	if _, ok := c.records["Granted Patent_6172354"]; !ok {
		t.Fatalf("expected record cached under composite key, have %v", c.records)
	}
}

func TestRetrieveCacheHitMakesNoNetworkCalls(t *testing.T) {
	search := newUpstream(t, empty)
	legacy := newUpstream(t, empty)
	scrape := newUpstream(t, func(int32, http.ResponseWriter, *http.Request) {})
	c := newFakeCache()
	c.records["Granted Patent_6172354"] = patent.Record{PatentNumber: "6172354", Title: patent.StringPtr("Cached"), Source: patent.SourceSearch}
	p := buildPipeline(t, c, stages{search: search, legacy: legacy, scrape: scrape})

	got, err := p.Retrieve(context.Background(), patent.NewIdentifier("6172354", patent.TypeGranted))
	if err != nil {
		t.Fatal(err)
	}
	if !got.CacheHit || got.Record.TitleText() != "Cached" {
		t.Fatalf("expected cache hit, got %+v", got)
	}
	if n := search.count() + legacy.count() + scrape.count(); n != 0 {
		t.Fatalf("expected no network calls, got %d", n)
	}
}

func TestRetrieveCacheErrorTreatedAsMiss(t *testing.T) {
	search := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		writeJSONBody(w, `{"patents":[{"patent_id":"1","patent_title":"Live"}]}`)
	})
	c := newFakeCache()
	c.getErr = errors.New("database is locked")
	p := buildPipeline(t, c, stages{search: search})

	got, err := p.Retrieve(context.Background(), patent.NewIdentifier("1", patent.TypeGranted))
	if err != nil {
		t.Fatalf("cache error must not fail retrieval: %v", err)
	}
	if got.CacheHit || got.Record.TitleText() != "Live" {
		t.Fatalf("expected live result, got %+v", got)
	}
	if got.Attempts[0].Outcome != OutcomeError {
		t.Fatalf("expected cache attempt recorded as error, got %+v", got.Attempts[0])
	}
}

func TestRetrieveFallsBackToLegacy(t *testing.T) {
	search := newUpstream(t, failing(http.StatusInternalServerError))
	var shapes []any
	legacy := newUpstream(t, func(call int32, w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		shapes = append(shapes, body["q"])
		if call == 1 {
			empty(call, w, r)
			return
		}
		writeJSONBody(w, `{"patents":[{"patent_number":"6172354","patent_title":"Operator input device",
			"inventors":[{"inventor_first_name":"Tetsuji","inventor_last_name":"Adan"}],
			"applications":[{"app_number":"09/123","app_date":"1998-07-31"}]}]}`)
	})
	scrape := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(scrapePage)) })
	p := buildPipeline(t, newFakeCache(), stages{search: search, legacy: legacy, scrape: scrape})

	got, err := p.Retrieve(context.Background(), patent.NewIdentifier("6172354", patent.TypeGranted))
	if err != nil {
		t.Fatal(err)
	}
	if got.Record.Source != patent.SourceLegacy {
		t.Fatalf("expected legacy source, got %s", got.Record.Source)
	}
	if got.Record.FilingDate == nil || *got.Record.FilingDate != "1998-07-31" {
		t.Fatalf("legacy field remap failed: %+v", got.Record)
	}
	if legacy.count() != 2 || scrape.count() != 0 {
		t.Fatalf("expected stop at first matching shape without scrape, legacy=%d scrape=%d", legacy.count(), scrape.count())
	}
	first, _ := shapes[0].(map[string]any)
	second, _ := shapes[1].(map[string]any)
	if first["patent_number"] != "6172354" || second["_eq"] == nil {
		t.Fatalf("unexpected legacy shapes: %v", shapes)
	}
}

func TestRetrieveFallsBackToScrape(t *testing.T) {
	search := newUpstream(t, empty)
	legacy := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) { writeJSONBody(w, `{not json`) })
	var path string
	scrape := newUpstream(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(scrapePage))
	})
	p := buildPipeline(t, newFakeCache(), stages{search: search, legacy: legacy, scrape: scrape})

	got, err := p.Retrieve(context.Background(), patent.NewIdentifier("US6172354B1", patent.TypeGranted))
	if err != nil {
		t.Fatal(err)
	}
	rec := got.Record
	if rec.Source != patent.SourceFallback {
		t.Fatalf("expected scrape source, got %s", rec.Source)
	}
	if rec.TitleText() != "Operator input device" || rec.AbstractText() != "An operator input device & related method." {
		t.Fatalf("unexpected scraped text: %q / %q", rec.TitleText(), rec.AbstractText())
	}
	if rec.PatentDate != nil || rec.FilingDate != nil || rec.CPCCodes != nil || rec.Inventors != nil || rec.Assignees != nil {
		t.Fatalf("scraped record must only carry title/abstract: %+v", rec)
	}
	if path != "/patent/US6172354/en" {
		t.Fatalf("unexpected scrape path %q", path)
	}
}

func TestRetrieveTotalFailureWritesNothing(t *testing.T) {
	search := newUpstream(t, failing(http.StatusBadGateway))
	legacy := newUpstream(t, failing(http.StatusServiceUnavailable))
	scrape := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) })

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	p := buildPipeline(t, store, stages{search: search, legacy: legacy, scrape: scrape})

	id := patent.NewIdentifier("0000000", patent.TypeGranted)
	_, err = p.Retrieve(context.Background(), id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || len(nf.Attempts) != 4 {
		t.Fatalf("expected cache + three stage attempts, got %+v", nf)
	}
	if !strings.Contains(err.Error(), "patentsview_search") {
		t.Fatalf("expected stage detail in message, got %q", err.Error())
	}
	if _, ok, _ := store.GetRecord(context.Background(), id.CacheKey()); ok {
		t.Fatal("expected no cache entry after total failure")
	}
}

func TestRetrieveWithoutFallbacksStopsAfterSearch(t *testing.T) {
	search := newUpstream(t, empty)
	p := buildPipeline(t, nil, stages{search: search})
	_, err := p.Retrieve(context.Background(), patent.NewIdentifier("20230123456", patent.TypeApplication))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if names := p.StageNames(); len(names) != 1 || names[0] != "patentsview_search" {
		t.Fatalf("unexpected stages %v", names)
	}
}

type recordingObserver struct {
	events []string
}

func (r *recordingObserver) ObserveStage(stage, outcome string, _ time.Duration) {
	r.events = append(r.events, stage+"="+outcome)
}

func TestRetrieveReportsStagesToObserver(t *testing.T) {
	search := newUpstream(t, failing(http.StatusInternalServerError))
	scrape := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(scrapePage)) })
	obs := &recordingObserver{}
	p := buildPipeline(t, newFakeCache(), stages{search: search, scrape: scrape}).WithObserver(obs)

	if _, err := p.Retrieve(context.Background(), patent.NewIdentifier("1", patent.TypeGranted)); err != nil {
		t.Fatal(err)
	}
	want := []string{"cache=miss", "patentsview_search=error", "google_patents_fallback=success"}
	if strings.Join(obs.events, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected observed stages %v", obs.events)
	}
}

func TestRetrieveLegacyPublicationNumberTriesAppThenPatentNumber(t *testing.T) {
	search := newUpstream(t, empty)
	var queries []map[string]any
	legacy := newUpstream(t, func(call int32, w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		q, _ := body["q"].(map[string]any)
		queries = append(queries, q)
		if call < 3 {
			empty(call, w, r)
			return
		}
		writeJSONBody(w, `{"patents":[{"patent_number":"20230123456","patent_title":"Published application"}]}`)
	})
	p := buildPipeline(t, newFakeCache(), stages{search: search, legacy: legacy})

	got, err := p.Retrieve(context.Background(), patent.NewIdentifier("2023012345-6", patent.TypeApplication))
	if err != nil {
		t.Fatal(err)
	}
	if got.Record.Source != patent.SourceLegacy || got.Record.PatentType != patent.TypeApplication {
		t.Fatalf("unexpected record %+v", got.Record)
	}
	if legacy.count() != 3 {
		t.Fatalf("expected two app_number shapes then patent_number, got %d calls", legacy.count())
	}
	if queries[0]["app_number"] != "20230123456" || queries[1]["_eq"] == nil {
		t.Fatalf("unexpected app_number shapes %v", queries[:2])
	}
	if queries[2]["patent_number"] != "20230123456" {
		t.Fatalf("expected patent_number query third, got %v", queries[2])
	}

	appQueries := legacyQueries(patent.NewIdentifier("17/123,456", patent.TypeApplication))
	if len(appQueries) != 2 {
		t.Fatalf("expected one field with two shapes for application numbers, got %d", len(appQueries))
	}
	if q, _ := appQueries[0]["q"].(map[string]any); q["app_number"] != "17123456" {
		t.Fatalf("unexpected application query %v", appQueries[0])
	}
}

func TestRetrieveSearchTimeoutAdvancesToLegacy(t *testing.T) {
	search := newUpstream(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		empty(0, w, r)
	})
	legacy := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		writeJSONBody(w, `{"patents":[{"patent_number":"6172354","patent_title":"Operator input device"}]}`)
	})
	p := NewPipeline(newFakeCache(), NewStrategies(Config{
		SearchURL:    search.srv.URL,
		LegacyURL:    legacy.srv.URL,
		EnableLegacy: true,
		HTTPClient:   &http.Client{Timeout: 100 * time.Millisecond},
	})...)

	got, err := p.Retrieve(context.Background(), patent.NewIdentifier("6172354", patent.TypeGranted))
	if err != nil {
		t.Fatalf("expected legacy to answer after search timeout: %v", err)
	}
	if got.Record.Source != patent.SourceLegacy {
		t.Fatalf("expected legacy source, got %s", got.Record.Source)
	}
	if got.Attempts[1].Stage != "patentsview_search" || got.Attempts[1].Outcome != OutcomeError {
		t.Fatalf("expected search timeout recorded as error, got %+v", got.Attempts[1])
	}
}

func TestSearchRetriesOnceOnRateLimit(t *testing.T) {
	search := newUpstream(t, func(call int32, w http.ResponseWriter, r *http.Request) {
		if call == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSONBody(w, `{"patents":[{"patent_id":"6172354","patent_title":"Operator input device"}]}`)
	})
	s := NewSearchStrategy(search.srv.URL, "", search.srv.Client())
	s.client.rateLimitWait = time.Millisecond

	rec, ok, err := s.Attempt(context.Background(), patent.NewIdentifier("6172354", patent.TypeGranted))
	if err != nil || !ok {
		t.Fatalf("expected success after one retry: ok=%v err=%v", ok, err)
	}
	if rec.TitleText() != "Operator input device" || search.count() != 2 {
		t.Fatalf("unexpected retry result calls=%d rec=%+v", search.count(), rec)
	}
}

func TestSearchRateLimitRetryIsBounded(t *testing.T) {
	search := newUpstream(t, failing(http.StatusTooManyRequests))
	s := NewSearchStrategy(search.srv.URL, "", search.srv.Client())
	s.client.rateLimitWait = time.Millisecond

	_, ok, err := s.Attempt(context.Background(), patent.NewIdentifier("6172354", patent.TypeGranted))
	if ok || err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, ok=%v err=%v", ok, err)
	}
	if search.count() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", search.count())
	}
}

type staticFetcher string

func (f staticFetcher) Fetch(context.Context, string) (string, error) { return string(f), nil }

func TestScrapeKeepsDescriptionContainingAngleBracket(t *testing.T) {
	page := staticFetcher(`<html><head><meta name="DC.title" content="Comparator circuit">
<meta name="DC.description" content="A circuit outputs high when V1 > V2 and low otherwise."></head></html>`)
	rec, ok, err := NewScrapeStrategy(page, "").Attempt(context.Background(), patent.NewIdentifier("1234567", patent.TypeGranted))
	if err != nil || !ok {
		t.Fatalf("expected scrape success: ok=%v err=%v", ok, err)
	}
	if rec.AbstractText() != "A circuit outputs high when V1 > V2 and low otherwise." {
		t.Fatalf("unexpected abstract %q", rec.AbstractText())
	}
}
