package retrieval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"golang.org/x/net/html"

	"github.com/joelkehle/patent-categorizer/internal/patent"
)

const (
	DefaultScrapeURLTemplate = "https://patents.google.com/patent/US%s/en"
	TitleMetaName            = "DC.title"
	DescriptionMetaName      = "DC.description"

	browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
)

// PageFetcher returns the markup of a page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html")
	res, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status code: %d", res.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// BrowserFetcher loads the page in headless Chromium, for pages that only
// carry their metadata after scripts run.
type BrowserFetcher struct {
	chromePath string
	timeout    time.Duration
}

func NewBrowserFetcher(chromePath string, timeout time.Duration) *BrowserFetcher {
	if chromePath == "" {
		chromePath = detectChromePath()
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &BrowserFetcher{chromePath: chromePath, timeout: timeout}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(browserUserAgent),
	}
	if f.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(f.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var doc string
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("head", chromedp.ByQuery),
		chromedp.OuterHTML("html", &doc, chromedp.ByQuery),
	); err != nil {
		return "", err
	}
	return doc, nil
}

// ScrapeStrategy builds a degraded record from the title and description
// metadata of a public patent page. Dates, codes and inventors are never set.
type ScrapeStrategy struct {
	fetcher     PageFetcher
	urlTemplate string
}

func NewScrapeStrategy(fetcher PageFetcher, urlTemplate string) *ScrapeStrategy {
	if urlTemplate == "" {
		urlTemplate = DefaultScrapeURLTemplate
	}
	return &ScrapeStrategy{fetcher: fetcher, urlTemplate: urlTemplate}
}

func (s *ScrapeStrategy) Name() string { return string(patent.SourceFallback) }

func (s *ScrapeStrategy) PageURL(id patent.Identifier) string {
	return fmt.Sprintf(s.urlTemplate, id.NormalizedNumber)
}

func (s *ScrapeStrategy) Attempt(ctx context.Context, id patent.Identifier) (patent.Record, bool, error) {
	doc, err := s.fetcher.Fetch(ctx, s.PageURL(id))
	if err != nil {
		return patent.Record{}, false, err
	}
	meta := parseMetaTags(doc)
	title := meta[strings.ToLower(TitleMetaName)]
	desc := meta[strings.ToLower(DescriptionMetaName)]
	if title == "" && desc == "" {
		return patent.Record{}, false, nil
	}
	return patent.Record{
		PatentNumber: id.NormalizedNumber,
		Title:        patent.StringPtr(title),
		Abstract:     patent.StringPtr(desc),
		PatentType:   id.PatentType,
		Source:       patent.SourceFallback,
	}, true, nil
}

// parseMetaTags maps lower-cased meta name to its content. The first tag of a
// given name wins. Attribute values arrive entity-decoded from the tokenizer.
func parseMetaTags(doc string) map[string]string {
	out := map[string]string{}
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "meta" {
				continue
			}
			var name, content string
			for _, a := range tok.Attr {
				switch strings.ToLower(a.Key) {
				case "name":
					name = strings.ToLower(strings.TrimSpace(a.Val))
				case "content":
					content = strings.Join(strings.Fields(a.Val), " ")
				}
			}
			if name == "" || content == "" {
				continue
			}
			if _, seen := out[name]; !seen {
				out[name] = content
			}
		}
	}
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
