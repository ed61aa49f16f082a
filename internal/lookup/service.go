package lookup

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/joelkehle/patent-categorizer/internal/categorization"
	"github.com/joelkehle/patent-categorizer/internal/patent"
	"github.com/joelkehle/patent-categorizer/internal/retrieval"
)

var ErrEmptyNumber = errors.New("patent number is required")

const (
	SourceCache    = "cache"
	SourceNotFound = "not_found"

	CategorizationSuccess = "success"
	CategorizationFailed  = "failed"
	CategorizationSkipped = "skipped"
)

type Retriever interface {
	Retrieve(ctx context.Context, id patent.Identifier) (retrieval.Retrieval, error)
}

type Categorizer interface {
	Categorize(ctx context.Context, key, title, abstract string) (categorization.Result, error)
	Configured() bool
	ModelName() string
}

// Observer is satisfied by telemetry.Metrics.
type Observer interface {
	ObserveLookup(source string)
	ObserveCategorization(outcome string)
}

type Result struct {
	Identifier          patent.Identifier        `json:"identifier"`
	Record              patent.Record            `json:"record"`
	CacheHit            bool                     `json:"cache_hit"`
	Attempts            []retrieval.StageAttempt `json:"attempts"`
	Categorization      *categorization.Result   `json:"categorization,omitempty"`
	CategorizationError *categorization.Error    `json:"categorization_error,omitempty"`
	Fallback            *categorization.Fallback `json:"fallback,omitempty"`
	LLMConfigured       bool                     `json:"llm_configured"`
	Model               string                   `json:"model,omitempty"`
}

type Service struct {
	retriever   Retriever
	categorizer Categorizer
	observer    Observer
}

// NewService accepts a nil categorizer for retrieval-only use.
func NewService(r Retriever, c Categorizer) *Service {
	return &Service{retriever: r, categorizer: c}
}

func (s *Service) WithObserver(o Observer) *Service {
	s.observer = o
	return s
}

func (s *Service) LLMConfigured() bool {
	return s.categorizer != nil && s.categorizer.Configured()
}

func (s *Service) ModelName() string {
	if s.categorizer == nil {
		return ""
	}
	return s.categorizer.ModelName()
}

// Lookup normalizes raw, retrieves the record and, when categorize is set,
// categorizes it. A categorization failure does not fail the lookup; the
// result then carries the error and a rule-based fallback. Retrieval failure
// returns a *retrieval.NotFoundError.
func (s *Service) Lookup(ctx context.Context, raw string, pt patent.PatentType, categorize bool) (Result, error) {
	id := patent.NewIdentifier(raw, pt)
	if id.NormalizedNumber == "" {
		return Result{Identifier: id}, ErrEmptyNumber
	}
	out := Result{Identifier: id, LLMConfigured: s.LLMConfigured(), Model: s.ModelName()}

	got, err := s.retriever.Retrieve(ctx, id)
	out.Attempts = got.Attempts
	if err != nil {
		s.observeLookup(SourceNotFound)
		logf("lookup_not_found raw=%q key=%q", raw, id.CacheKey())
		return out, err
	}
	out.Record = got.Record
	out.CacheHit = got.CacheHit
	if got.CacheHit {
		s.observeLookup(SourceCache)
	} else {
		s.observeLookup(string(got.Record.Source))
	}

	if !categorize || s.categorizer == nil {
		s.observeCategorization(CategorizationSkipped)
		fb := categorization.BuildFallback(out.Record)
		out.Fallback = &fb
		return out, nil
	}

	res, err := s.categorizer.Categorize(ctx, id.CacheKey(), out.Record.TitleText(), out.Record.AbstractText())
	if err != nil {
		s.observeCategorization(CategorizationFailed)
		out.CategorizationError = categorization.AsError(err)
		fb := categorization.BuildFallback(out.Record)
		out.Fallback = &fb
		return out, nil
	}
	s.observeCategorization(CategorizationSuccess)
	out.Categorization = &res
	return out, nil
}

// StatusLine reports whether an LLM key is loaded and which model is used.
func (s *Service) StatusLine() string {
	var b strings.Builder
	b.WriteString("API key loaded: ")
	if s.LLMConfigured() {
		b.WriteString("Yes")
	} else {
		b.WriteString("No")
	}
	if m := s.ModelName(); m != "" {
		b.WriteString(" | Model in use: ")
		b.WriteString(m)
	}
	return b.String()
}

func (s *Service) observeLookup(source string) {
	if s.observer != nil {
		s.observer.ObserveLookup(source)
	}
}

func (s *Service) observeCategorization(outcome string) {
	if s.observer != nil {
		s.observer.ObserveCategorization(outcome)
	}
}

func logf(format string, args ...any) {
	log.Printf("patent-categorizer lookup "+format, args...)
}
