package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/patent-categorizer/internal/patent"
)

const tracerName = "github.com/joelkehle/patent-categorizer/internal/retrieval"

var ErrNotFound = errors.New("patent not found")

const (
	OutcomeHit     = "hit"
	OutcomeMiss    = "miss"
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"

	stageCache = "cache"
)

// Strategy is one retrieval stage. ok=false with a nil error means the source
// answered but had no match. Both that and a non-nil error move the pipeline
// on to the next stage.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, id patent.Identifier) (patent.Record, bool, error)
}

type RecordCache interface {
	GetRecord(ctx context.Context, key string) (patent.Record, bool, error)
	PutRecord(ctx context.Context, key string, rec patent.Record) error
}

type StageObserver interface {
	ObserveStage(stage, outcome string, elapsed time.Duration)
}

type StageAttempt struct {
	Stage     string `json:"stage"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type Retrieval struct {
	Record   patent.Record  `json:"record"`
	CacheHit bool           `json:"cache_hit"`
	Attempts []StageAttempt `json:"attempts"`
}

// NotFoundError carries every stage attempt of a failed retrieval.
type NotFoundError struct {
	Identifier patent.Identifier
	Attempts   []StageAttempt
}

func (e *NotFoundError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Stage == stageCache {
			continue
		}
		if a.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Stage, a.Error))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Stage, a.Outcome))
		}
	}
	msg := fmt.Sprintf("%s %q (%s %s)", ErrNotFound.Error(), e.Identifier.RawInput, e.Identifier.FieldType, e.Identifier.NormalizedNumber)
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, "; ")
	}
	return msg
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type Pipeline struct {
	cache      RecordCache
	strategies []Strategy
	observer   StageObserver
	tracer     trace.Tracer
}

func NewPipeline(cache RecordCache, strategies ...Strategy) *Pipeline {
	return &Pipeline{cache: cache, strategies: strategies, tracer: otel.Tracer(tracerName)}
}

func (p *Pipeline) WithObserver(o StageObserver) *Pipeline {
	p.observer = o
	return p
}

func (p *Pipeline) StageNames() []string {
	out := make([]string, 0, len(p.strategies))
	for _, s := range p.strategies {
		out = append(out, s.Name())
	}
	return out
}

// Retrieve returns the cached record when present. Otherwise stages run in
// order and the first one with a result wins; that record is cached. When
// every stage fails the error is a *NotFoundError and nothing is cached.
func (p *Pipeline) Retrieve(ctx context.Context, id patent.Identifier) (Retrieval, error) {
	ctx, span := p.tracer.Start(ctx, "retrieval.Retrieve", trace.WithAttributes(
		attribute.String("patent.type", string(id.PatentType)),
		attribute.String("patent.field_type", string(id.FieldType)),
		attribute.String("patent.number", id.NormalizedNumber),
	))
	defer span.End()

	out := Retrieval{}
	key := id.CacheKey()

	if p.cache != nil {
		started := time.Now()
		rec, ok, err := p.cache.GetRecord(ctx, key)
		attempt := StageAttempt{Stage: stageCache, Outcome: OutcomeMiss}
		if err != nil {
			attempt.Outcome = OutcomeError
			attempt.Error = err.Error()
			logf("cache_read_failed key=%q err=%q", key, err.Error())
		}
		if ok {
			attempt.Outcome = OutcomeHit
		}
		attempt.ElapsedMS = time.Since(started).Milliseconds()
		out.Attempts = append(out.Attempts, attempt)
		p.observe(stageCache, attempt.Outcome, time.Since(started))
		if ok {
			out.Record = rec
			out.CacheHit = true
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return out, nil
		}
	}

	for _, s := range p.strategies {
		rec, attempt, ok := p.runStage(ctx, s, id)
		out.Attempts = append(out.Attempts, attempt)
		if !ok {
			continue
		}
		out.Record = rec
		if p.cache != nil {
			if err := p.cache.PutRecord(ctx, key, rec); err != nil {
				logf("cache_write_failed key=%q err=%q", key, err.Error())
			}
		}
		span.SetAttributes(attribute.String("patent.source", string(rec.Source)))
		return out, nil
	}

	span.SetStatus(codes.Error, ErrNotFound.Error())
	return out, &NotFoundError{Identifier: id, Attempts: out.Attempts}
}

func (p *Pipeline) runStage(ctx context.Context, s Strategy, id patent.Identifier) (patent.Record, StageAttempt, bool) {
	ctx, span := p.tracer.Start(ctx, "retrieval.stage", trace.WithAttributes(attribute.String("stage", s.Name())))
	defer span.End()

	started := time.Now()
	rec, ok, err := s.Attempt(ctx, id)
	attempt := StageAttempt{Stage: s.Name(), ElapsedMS: time.Since(started).Milliseconds()}
	switch {
	case err != nil:
		attempt.Outcome = OutcomeError
		attempt.Error = err.Error()
		span.RecordError(err)
		logf("stage_failed stage=%s number=%s elapsed_ms=%d err=%q", s.Name(), id.NormalizedNumber, attempt.ElapsedMS, err.Error())
		ok = false
	case !ok:
		attempt.Outcome = OutcomeEmpty
		logf("stage_empty stage=%s number=%s elapsed_ms=%d", s.Name(), id.NormalizedNumber, attempt.ElapsedMS)
	default:
		if verr := rec.Validate(); verr != nil {
			attempt.Outcome = OutcomeError
			attempt.Error = verr.Error()
			ok = false
			break
		}
		attempt.Outcome = OutcomeSuccess
		logf("stage_success stage=%s number=%s elapsed_ms=%d", s.Name(), id.NormalizedNumber, attempt.ElapsedMS)
	}
	span.SetAttributes(attribute.String("outcome", attempt.Outcome))
	p.observe(s.Name(), attempt.Outcome, time.Since(started))
	return rec, attempt, ok
}

func (p *Pipeline) observe(stage, outcome string, elapsed time.Duration) {
	if p.observer != nil {
		p.observer.ObserveStage(stage, outcome, elapsed)
	}
}

func logf(format string, args ...any) {
	log.Printf("patent-categorizer retrieval "+format, args...)
}
