package autopost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

var tracer = otel.Tracer("github.com/joelkehle/foodguide-autopost/internal/autopost")

type RunState string

const (
	StateIdle       RunState = "idle"
	StateGenerating RunState = "generating"
	StateChecking   RunState = "checking"
	StatePassed     RunState = "passed"
	StateRetrying   RunState = "retrying"
	StateExhausted  RunState = "exhausted"
)

type ProgressFn func(state RunState, message string)

type Config struct {
	MaxAttempts    int
	ScoreThreshold int
	MaxImages      int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = DefaultScoreThreshold
	}
	if c.MaxImages <= 0 {
		c.MaxImages = DefaultMaxImages
	}
	return c
}

type Deps struct {
	Source        DataSource
	Store         PostStore
	Writer        LLMCaller
	Reviewer      LLMCaller
	Fallback      *FallbackImageGenerator
	Notifier      Notifier
	Calendar      *Calendar
	Markets       []Market
	DefaultMarket string
	Log           *logger.Logger
}

// Orchestrator drives one generate, check, retry, publish run per call.
// It holds no per-run state; concurrent calls for different windows are
// independent.
type Orchestrator struct {
	cfg           Config
	markets       map[string]Market
	defaultMarket string
	store         PostStore
	notifier      Notifier
	writer        LLMCaller
	assembler     *ContextAssembler
	topics        *TopicSelector
	repairer      *Repairer
	gate          *QualityGate
	reviewer      *QualityReviewer
	fallback      *FallbackImageGenerator
	decider       *PublishDecider
	log           *logger.Logger
	now           func() time.Time
}

func NewOrchestrator(d Deps, cfg Config) (*Orchestrator, error) {
	var missing []string
	if d.Source == nil {
		missing = append(missing, "data source")
	}
	if d.Store == nil {
		missing = append(missing, "post store")
	}
	if d.Writer == nil {
		missing = append(missing, "completion caller")
	}
	if d.Reviewer == nil {
		missing = append(missing, "reviewer caller")
	}
	if len(d.Markets) == 0 {
		missing = append(missing, "markets")
	}
	if len(missing) > 0 {
		return nil, ConfigError(fmt.Errorf("orchestrator missing %s", strings.Join(missing, ", ")))
	}
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	markets := make(map[string]Market, len(d.Markets))
	for _, m := range d.Markets {
		markets[m.ID] = m
	}
	def := d.DefaultMarket
	if def == "" {
		def = d.Markets[0].ID
	}
	if _, ok := markets[def]; !ok {
		return nil, ConfigError(fmt.Errorf("%w: default %q", ErrUnknownMarket, def))
	}
	return &Orchestrator{
		cfg:           cfg.withDefaults(),
		markets:       markets,
		defaultMarket: def,
		store:         d.Store,
		notifier:      d.Notifier,
		writer:        d.Writer,
		assembler:     NewContextAssembler(d.Source, log),
		topics:        NewTopicSelector(d.Calendar),
		repairer:      NewRepairer(log),
		gate:          NewQualityGate(),
		reviewer:      NewQualityReviewer(d.Reviewer, log),
		fallback:      d.Fallback,
		decider:       NewPublishDecider(d.Store, d.Notifier, log),
		log:           log.With("component", "Orchestrator"),
		now:           time.Now,
	}, nil
}

func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return o.RunWithProgress(ctx, req, nil)
}

func (o *Orchestrator) RunWithProgress(ctx context.Context, req RunRequest, progress ProgressFn) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "autopost.run")
	defer span.End()

	marketID := strings.TrimSpace(req.MarketID)
	if marketID == "" {
		marketID = o.defaultMarket
	}
	span.SetAttributes(attribute.String("autopost.market", marketID))
	market, ok := o.markets[marketID]
	if !ok {
		err := newError(KindContext, "market", fmt.Errorf("%w: %q", ErrUnknownMarket, marketID))
		failSpan(span, err)
		return RunResult{}, err
	}
	now := req.Now
	if now.IsZero() {
		now = o.now()
	}
	slot, err := ResolvePublishSlot(market, now)
	if err != nil {
		failSpan(span, err)
		return RunResult{}, err
	}
	log := o.log.With("market", market.ID, "window", slot.WindowStart.Format(time.RFC3339))
	emit(progress, StateIdle, "checking for an existing post in window "+slot.WindowStart.Format(time.RFC3339))

	existing, err := o.store.FindByWindow(ctx, market.ID, slot.WindowStart)
	if err != nil {
		err = newError(KindPersistence, "idempotency", err)
		o.recordFailure(ctx, market, slot, err)
		failSpan(span, err)
		return RunResult{}, err
	}
	if existing != nil {
		log.Info("post already exists for window; skipping", "slug", existing.Slug)
		span.SetAttributes(attribute.Bool("autopost.skipped", true))
		return RunResult{Record: existing, Skipped: true}, nil
	}

	res, err := o.run(ctx, market, slot, log, progress)
	if err != nil {
		log.Error("autopost run failed", "kind", string(KindOf(err)), "stage", StageOf(err), "error", err.Error())
		o.recordFailure(ctx, market, slot, err)
		failSpan(span, err)
		return res, err
	}
	span.SetAttributes(
		attribute.String("autopost.status", string(res.Record.Status)),
		attribute.Int("autopost.attempts", len(res.Attempts)),
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, market Market, slot PublishSlot, log *logger.Logger, progress ProgressFn) (RunResult, error) {
	var res RunResult

	cctx, cspan := tracer.Start(ctx, "autopost.context")
	assembled, err := o.assembler.Assemble(cctx, market.ID, slot.At)
	endSpan(cspan, err)
	if err != nil {
		return res, err
	}

	choice := o.topics.Select(slot.At)
	req := ContentRequest{
		Market:              market,
		TargetDate:          slot.At,
		PublishAt:           slot.At,
		Topic:               choice.Topic,
		Holiday:             choice.Holiday,
		Context:             assembled.Bundle,
		ExcludedImageURLs:   assembled.ExcludedImageURLs,
		ExcludedEntitySlugs: assembled.ExcludedEntitySlugs,
	}
	log.Info("topic selected", "topic", req.Topic.ID, "calendar", o.topics.CalendarVersion())

	valid := req.Context.ValidSlugs()
	var prior []string
	for n := 1; n <= o.cfg.MaxAttempts; n++ {
		emit(progress, StateGenerating, fmt.Sprintf("attempt %d of %d: generating", n, o.cfg.MaxAttempts))
		att, err := o.attempt(ctx, n, req, valid, prior, progress)
		if err != nil {
			return res, err
		}
		res.Attempts = append(res.Attempts, att)
		log.Info("attempt checked", "attempt", n, "passed", att.Passed, "score", att.Review.Score, "issues", len(att.Issues))
		if att.Passed {
			emit(progress, StatePassed, fmt.Sprintf("attempt %d passed", n))
			break
		}
		if n < o.cfg.MaxAttempts {
			emit(progress, StateRetrying, fmt.Sprintf("attempt %d failed with %d issues; retrying", n, len(att.Issues)))
		} else {
			emit(progress, StateExhausted, "attempt cap reached; holding draft for review")
		}
		prior = att.Issues
	}
	last := res.Attempts[len(res.Attempts)-1]

	images := SelectImages(last.Document.Body, req.Context.ImageLookup(), req.ExcludedImageURLs, o.cfg.MaxImages)
	if len(images) == 0 {
		ictx, ispan := tracer.Start(ctx, "autopost.fallback_image")
		if url := o.fallback.Generate(ictx, last.Document.Title+". "+last.Document.Summary); url != "" {
			images = []string{url}
		}
		ispan.End()
	}
	cover := ComposeCover(images)

	pctx, pspan := tracer.Start(ctx, "autopost.publish")
	rec, err := o.decider.Decide(pctx, DecideInput{
		Request:  req,
		Document: last.Document,
		Result:   last.Result(),
		Passed:   last.Passed,
		Cover:    cover,
		Attempts: len(res.Attempts),
		Slot:     slot,
	})
	endSpan(pspan, err)
	if err != nil {
		return res, err
	}
	res.Record = &rec
	return res, nil
}

// attempt is one Generating then Checking pass. Completion and parse
// failures are returned as errors and end the run; quality problems are
// reported through the Attempt.
func (o *Orchestrator) attempt(ctx context.Context, n int, req ContentRequest, valid map[string]struct{}, prior []string, progress ProgressFn) (Attempt, error) {
	ctx, span := tracer.Start(ctx, "autopost.attempt", trace.WithAttributes(attribute.Int("autopost.attempt", n)))
	defer span.End()

	gctx, gspan := tracer.Start(ctx, "autopost.generate")
	raw, err := o.writer.GenerateJSON(gctx, writerSystemPrompt, buildPrompt(req, prior))
	if err != nil {
		err = newError(KindGeneration, "generate", fmt.Errorf("completion call failed (%s): %w", describeCallError(err), err))
	}
	endSpan(gspan, err)
	if err != nil {
		failSpan(span, err)
		return Attempt{}, err
	}
	doc, err := parseDocument(raw)
	if err != nil {
		err = newError(KindGeneration, "parse", err)
		failSpan(span, err)
		return Attempt{}, err
	}

	emit(progress, StateChecking, fmt.Sprintf("attempt %d: checking", n))
	repaired := o.repairer.Repair(doc.Body, valid)
	doc.Body = repaired.Body

	gate := o.gate.Check(doc, valid, req.Market.ForbiddenTerms)

	rctx, rspan := tracer.Start(ctx, "autopost.review")
	review := o.reviewer.Review(rctx, doc)
	rspan.SetAttributes(attribute.Int("autopost.score", review.Score), attribute.Bool("autopost.review_defaulted", review.Defaulted))
	rspan.End()

	// A defaulted review carries no judgement; the gate alone decides.
	scoreOK := review.Defaulted || review.Score >= o.cfg.ScoreThreshold
	att := Attempt{
		Number:      n,
		Document:    doc,
		Corrections: repaired.Corrections,
		Gate:        gate,
		Review:      review,
		Passed:      gate.Passed && scoreOK,
	}
	if !att.Passed {
		att.Issues = append(att.Issues, gate.Issues...)
		if !scoreOK {
			att.Issues = append(att.Issues, fmt.Sprintf("editor score %d is below %d: %s", review.Score, o.cfg.ScoreThreshold, review.Verdict))
			att.Issues = append(att.Issues, review.Issues...)
		}
	}
	span.SetAttributes(attribute.Bool("autopost.passed", att.Passed))
	return att, nil
}

// Result folds the deterministic gate and the review into the GateResult
// stored on the record.
func (a Attempt) Result() GateResult {
	score := a.Review.Score
	return GateResult{
		Passed:  a.Passed,
		Issues:  a.Issues,
		Score:   &score,
		Verdict: a.Review.Verdict,
	}
}

// recordFailure is best effort. Its own errors are logged and dropped.
func (o *Orchestrator) recordFailure(ctx context.Context, market Market, slot PublishSlot, runErr error) {
	ctx = context.WithoutCancel(ctx)
	at := o.now().UTC()
	f := FailureRecord{
		ID:          uuid.NewString(),
		Market:      market.ID,
		Kind:        KindOf(runErr),
		Stage:       StageOf(runErr),
		Message:     runErr.Error(),
		WindowStart: slot.WindowStart,
		CreatedAt:   at,
	}
	if err := o.store.RecordFailure(ctx, f); err != nil {
		o.log.Error("record pipeline failure", "market", market.ID, "error", err.Error())
	}
	if o.notifier == nil {
		return
	}
	if err := o.notifier.NotifyFailure(ctx, FailureNotice{
		To:      market.OperatorEmail,
		Market:  market.Name,
		Kind:    f.Kind,
		Stage:   f.Stage,
		Message: f.Message,
		At:      at,
	}); err != nil {
		o.log.Error("failure notification", "market", market.ID, "error", err.Error())
	}
}

func emit(progress ProgressFn, state RunState, message string) {
	if progress != nil {
		progress(state, message)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		failSpan(span, err)
	}
	span.End()
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

