package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/joelkehle/patent-categorizer/internal/categorization"
	"github.com/joelkehle/patent-categorizer/internal/retrieval"
)

const (
	EnvPrefix     = "PATENT_CATEGORIZER"
	EnvConfigPath = "PATENT_CATEGORIZER_CONFIG"

	DefaultDBPath      = "patent_cache.db"
	DefaultListenAddr  = ":8501"
	DefaultServiceName = "patent-categorizer"
)

// Config is loaded once at startup and passed by value into constructors.
// YAML keys and environment names are declared on each field; the
// environment wins. Tagged names are also read without the prefix, so
// GROQ_API_KEY and PATENTSVIEW_API_KEY work as-is.
type Config struct {
	DBPath string `yaml:"db_path" envconfig:"DB_PATH"`

	SearchURL         string        `yaml:"search_url" envconfig:"SEARCH_URL"`
	LegacyURL         string        `yaml:"legacy_url" envconfig:"LEGACY_URL"`
	PatentsViewAPIKey string        `yaml:"patentsview_api_key" envconfig:"PATENTSVIEW_API_KEY"`
	APITimeout        time.Duration `yaml:"api_timeout" envconfig:"API_TIMEOUT"`
	EnableLegacy      bool          `yaml:"enable_legacy" envconfig:"ENABLE_LEGACY"`
	EnableScrape      bool          `yaml:"enable_scrape" envconfig:"ENABLE_SCRAPE"`
	ScrapeURLTemplate string        `yaml:"scrape_url_template" envconfig:"SCRAPE_URL_TEMPLATE"`
	ScrapeRenderer    string        `yaml:"scrape_renderer" envconfig:"SCRAPE_RENDERER"`
	ScrapeTimeout     time.Duration `yaml:"scrape_timeout" envconfig:"SCRAPE_TIMEOUT"`
	ChromePath        string        `yaml:"chrome_path" envconfig:"CHROME_PATH"`

	LLMProvider     string        `yaml:"llm_provider" envconfig:"LLM_PROVIDER"`
	LLMModel        string        `yaml:"llm_model" envconfig:"LLM_MODEL"`
	LLMURL          string        `yaml:"llm_url" envconfig:"LLM_URL"`
	LLMAPIKey       string        `yaml:"llm_api_key" envconfig:"LLM_API_KEY"`
	GroqAPIKey      string        `yaml:"groq_api_key" envconfig:"GROQ_API_KEY"`
	OpenAIAPIKey    string        `yaml:"openai_api_key" envconfig:"OPENAI_API_KEY"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key" envconfig:"ANTHROPIC_API_KEY"`
	LLMTimeout      time.Duration `yaml:"llm_timeout" envconfig:"LLM_TIMEOUT"`
	LLMTemperature  float64       `yaml:"llm_temperature" envconfig:"LLM_TEMPERATURE"`
	LLMMaxTokens    int           `yaml:"llm_max_tokens" envconfig:"LLM_MAX_TOKENS"`

	ListenAddr   string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	OTLPEndpoint string `yaml:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" envconfig:"SERVICE_NAME"`
}

func Default() Config {
	return Config{
		DBPath:            DefaultDBPath,
		SearchURL:         retrieval.DefaultSearchURL,
		LegacyURL:         retrieval.DefaultLegacyURL,
		APITimeout:        retrieval.DefaultAPITimeout,
		EnableLegacy:      true,
		EnableScrape:      true,
		ScrapeURLTemplate: retrieval.DefaultScrapeURLTemplate,
		ScrapeRenderer:    retrieval.RendererHTTP,
		ScrapeTimeout:     retrieval.DefaultScrapeTimeout,
		LLMProvider:       categorization.ProviderGroq,
		LLMTimeout:        categorization.DefaultTimeout,
		LLMTemperature:    0.2,
		LLMMaxTokens:      categorization.DefaultMaxTokens,
		ListenAddr:        DefaultListenAddr,
		ServiceName:       DefaultServiceName,
	}
}

// Load reads .env (if present), then the YAML file at path or
// $PATENT_CATEGORIZER_CONFIG (if present), then the environment. A missing
// LLM key is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
			log.Printf("patent-categorizer config loaded path=%s", path)
		case errors.Is(err, os.ErrNotExist):
			log.Printf("patent-categorizer config file_missing path=%s", path)
		default:
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fillDefaults restores defaults for values blanked by the file or environment.
func (c *Config) fillDefaults() {
	d := Default()
	setString(&c.DBPath, d.DBPath)
	setString(&c.SearchURL, d.SearchURL)
	setString(&c.LegacyURL, d.LegacyURL)
	setString(&c.ScrapeURLTemplate, d.ScrapeURLTemplate)
	setString(&c.ScrapeRenderer, d.ScrapeRenderer)
	setString(&c.LLMProvider, d.LLMProvider)
	setString(&c.ListenAddr, d.ListenAddr)
	setString(&c.ServiceName, d.ServiceName)
	if c.APITimeout <= 0 {
		c.APITimeout = d.APITimeout
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = d.ScrapeTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.LLMMaxTokens <= 0 {
		c.LLMMaxTokens = d.LLMMaxTokens
	}
	c.LLMProvider = strings.ToLower(c.LLMProvider)
	c.ScrapeRenderer = strings.ToLower(c.ScrapeRenderer)
}

func setString(dst *string, def string) {
	*dst = strings.TrimSpace(*dst)
	if *dst == "" {
		*dst = def
	}
}

func (c Config) Validate() error {
	switch c.LLMProvider {
	case categorization.ProviderGroq, categorization.ProviderOpenAI, categorization.ProviderAnthropic:
	default:
		return fmt.Errorf("llm_provider must be one of groq, openai, anthropic; got %q", c.LLMProvider)
	}
	switch c.ScrapeRenderer {
	case retrieval.RendererHTTP, retrieval.RendererChromium:
	default:
		return fmt.Errorf("scrape_renderer must be http or chromium; got %q", c.ScrapeRenderer)
	}
	if !strings.Contains(c.ScrapeURLTemplate, "%s") {
		return fmt.Errorf("scrape_url_template must contain %%s; got %q", c.ScrapeURLTemplate)
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("llm_temperature must be between 0 and 2; got %v", c.LLMTemperature)
	}
	return nil
}

// ProviderAPIKey is llm_api_key if set, otherwise the provider's own key.
func (c Config) ProviderAPIKey() string {
	if k := strings.TrimSpace(c.LLMAPIKey); k != "" {
		return k
	}
	switch c.LLMProvider {
	case categorization.ProviderOpenAI:
		return strings.TrimSpace(c.OpenAIAPIKey)
	case categorization.ProviderAnthropic:
		return strings.TrimSpace(c.AnthropicAPIKey)
	default:
		return strings.TrimSpace(c.GroqAPIKey)
	}
}

// Model is the configured model or the provider default.
func (c Config) Model() string {
	if m := strings.TrimSpace(c.LLMModel); m != "" {
		return m
	}
	return categorization.DefaultModel(c.LLMProvider)
}

func (c Config) Retrieval() retrieval.Config {
	return retrieval.Config{
		SearchURL:         c.SearchURL,
		LegacyURL:         c.LegacyURL,
		APIKey:            c.PatentsViewAPIKey,
		APITimeout:        c.APITimeout,
		EnableLegacy:      c.EnableLegacy,
		EnableScrape:      c.EnableScrape,
		ScrapeURLTemplate: c.ScrapeURLTemplate,
		ScrapeRenderer:    c.ScrapeRenderer,
		ScrapeTimeout:     c.ScrapeTimeout,
		ChromePath:        c.ChromePath,
	}
}

func (c Config) Caller() categorization.CallerConfig {
	return categorization.CallerConfig{
		Provider:    c.LLMProvider,
		Model:       c.Model(),
		URL:         c.LLMURL,
		APIKey:      c.ProviderAPIKey(),
		Temperature: c.LLMTemperature,
		MaxTokens:   c.LLMMaxTokens,
		Timeout:     c.LLMTimeout,
	}
}
