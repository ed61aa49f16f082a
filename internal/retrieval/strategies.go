package retrieval

import (
	"net/http"
	"time"
)

const (
	DefaultAPITimeout    = 10 * time.Second
	DefaultScrapeTimeout = 30 * time.Second

	RendererHTTP     = "http"
	RendererChromium = "chromium"
)

type Config struct {
	SearchURL         string
	LegacyURL         string
	APIKey            string
	APITimeout        time.Duration
	EnableLegacy      bool
	EnableScrape      bool
	ScrapeURLTemplate string
	ScrapeRenderer    string
	ScrapeTimeout     time.Duration
	ChromePath        string
	// HTTPClient overrides the API and scrape clients, mainly for tests.
	HTTPClient *http.Client
}

// NewStrategies returns the enabled stages in pipeline order: search, then
// legacy, then scrape.
func NewStrategies(cfg Config) []Strategy {
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = DefaultScrapeTimeout
	}
	apiClient := cfg.HTTPClient
	scrapeClient := cfg.HTTPClient
	if apiClient == nil {
		apiClient = &http.Client{Timeout: cfg.APITimeout}
		scrapeClient = &http.Client{Timeout: cfg.ScrapeTimeout}
	}

	out := []Strategy{NewSearchStrategy(cfg.SearchURL, cfg.APIKey, apiClient)}
	if cfg.EnableLegacy {
		out = append(out, NewLegacyStrategy(cfg.LegacyURL, cfg.APIKey, apiClient))
	}
	if cfg.EnableScrape {
		var fetcher PageFetcher
		if cfg.ScrapeRenderer == RendererChromium {
			fetcher = NewBrowserFetcher(cfg.ChromePath, cfg.ScrapeTimeout)
		} else {
			fetcher = NewHTTPFetcher(scrapeClient)
		}
		out = append(out, NewScrapeStrategy(fetcher, cfg.ScrapeURLTemplate))
	}
	return out
}
