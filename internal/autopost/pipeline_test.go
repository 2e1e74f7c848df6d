package autopost

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

var runNow = time.Date(2026, time.June, 10, 6, 0, 0, 0, time.UTC)

type harness struct {
	store    *memStore
	notifier *fakeNotifier
	writer   *fakeLLMCaller
	reviewer *fakeLLMCaller
	orch     *Orchestrator
}

func newHarness(t *testing.T, cfg Config, writer, reviewer *fakeLLMCaller) *harness {
	t.Helper()
	h := &harness{
		store:    &memStore{entities: testEntities()},
		notifier: &fakeNotifier{},
		writer:   writer,
		reviewer: reviewer,
	}
	orch, err := NewOrchestrator(Deps{
		Source:   h.store,
		Store:    h.store,
		Writer:   writer,
		Reviewer: reviewer,
		Notifier: h.notifier,
		Markets:  []Market{testMarket()},
		Log:      logger.NewNop(),
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.orch = orch
	return h
}

func (h *harness) run(t *testing.T) (RunResult, error) {
	t.Helper()
	return h.orch.Run(context.Background(), RunRequest{MarketID: "cumberland", Now: runNow})
}

func goodDoc() GeneratedDocument {
	return testDocument(makeBody(600, "alpha-diner", "beta-bistro"))
}

func TestRunSchedulesPassingPost(t *testing.T) {
	h := newHarness(t, Config{},
		&fakeLLMCaller{responses: []string{docJSON(goodDoc())}},
		&fakeLLMCaller{responses: []string{passingReview}})

	var states []RunState
	res, err := h.orch.RunWithProgress(context.Background(), RunRequest{MarketID: "cumberland", Now: runNow}, func(s RunState, _ string) {
		states = append(states, s)
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || res.Record == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	rec := res.Record
	if rec.Status != StatusScheduled || rec.ScheduledFor == nil {
		t.Fatalf("expected scheduled record, got %+v", rec)
	}
	if want := time.Date(2026, time.June, 10, 9, 0, 0, 0, time.UTC); !rec.ScheduledFor.Equal(want) {
		t.Fatalf("scheduled for %v, want %v", rec.ScheduledFor, want)
	}
	if rec.Cover.Layout != LayoutDual || len(rec.Cover.Images) != 2 {
		t.Fatalf("cover = %+v", rec.Cover)
	}
	if rec.Review.Score == nil || *rec.Review.Score != 8 || !rec.Review.Passed {
		t.Fatalf("review = %+v", rec.Review)
	}
	if len(h.store.posts) != 1 || len(res.Attempts) != 1 || h.writer.calls() != 1 {
		t.Fatalf("posts=%d attempts=%d calls=%d", len(h.store.posts), len(res.Attempts), h.writer.calls())
	}
	if len(h.notifier.drafts) != 0 || len(h.notifier.failures) != 0 {
		t.Fatal("no notification expected for a scheduled post")
	}
	if states[0] != StateIdle || states[len(states)-1] != StatePassed {
		t.Fatalf("states = %v", states)
	}
}

func TestRunHoldsDraftAfterMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{0, 3} {
		short := testDocument(makeBody(200, "alpha-diner", "beta-bistro"))
		h := newHarness(t, Config{MaxAttempts: maxAttempts},
			&fakeLLMCaller{responses: []string{docJSON(short)}},
			&fakeLLMCaller{responses: []string{passingReview}})

		res, err := h.run(t)
		if err != nil {
			t.Fatal(err)
		}
		want := maxAttempts
		if want == 0 {
			want = DefaultMaxAttempts
		}
		if h.writer.calls() != want || len(res.Attempts) != want {
			t.Fatalf("calls=%d attempts=%d, want %d", h.writer.calls(), len(res.Attempts), want)
		}
		if len(h.store.posts) != 1 {
			t.Fatalf("posts = %d", len(h.store.posts))
		}
		rec := h.store.posts[0]
		if rec.Status != StatusDraft || rec.ScheduledFor != nil || !strings.Contains(rec.FailureReason, "word count 200") {
			t.Fatalf("unexpected record %+v", rec)
		}
		if len(h.notifier.drafts) != 1 || len(h.notifier.failures) != 0 {
			t.Fatalf("drafts=%d failures=%d", len(h.notifier.drafts), len(h.notifier.failures))
		}
		if !strings.Contains(h.writer.prompts[1], "word count 200 is outside the allowed range [400, 1500)") {
			t.Fatal("retry prompt does not carry the previous issues")
		}
		if strings.Contains(h.writer.prompts[0], "previous draft was rejected") {
			t.Fatal("first prompt should not carry feedback")
		}
	}
}

func TestRunRetriesOnLowReviewScore(t *testing.T) {
	h := newHarness(t, Config{},
		&fakeLLMCaller{responses: []string{docJSON(goodDoc())}},
		&fakeLLMCaller{responses: []string{
			`{"score": 4, "verdict": "Reads like an ad.", "issues": ["too salesy"]}`,
			`{"score": 9, "verdict": "Great.", "issues": []}`,
		}})
	res, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Passed || !res.Attempts[1].Passed {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
	if res.Record.Status != StatusScheduled {
		t.Fatalf("status = %s", res.Record.Status)
	}
	if p := h.writer.prompts[1]; !strings.Contains(p, "editor score 4 is below 7: Reads like an ad.") || !strings.Contains(p, "too salesy") {
		t.Fatalf("retry prompt missing reviewer feedback:\n%s", p)
	}
}

func TestRunBrokenReviewerDefersToGate(t *testing.T) {
	h := newHarness(t, Config{},
		&fakeLLMCaller{responses: []string{docJSON(goodDoc())}},
		&fakeLLMCaller{errs: []error{errors.New("status code: 529 overloaded")}})
	res, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Attempts[0].Review.Defaulted || res.Record.Status != StatusScheduled {
		t.Fatalf("expected defaulted review and a scheduled post: %+v", res.Attempts[0].Review)
	}
}

func TestRunBrokenReviewerPublishesAboveDefaultThreshold(t *testing.T) {
	for _, tc := range []struct {
		name   string
		caller *fakeLLMCaller
	}{
		{name: "call error", caller: &fakeLLMCaller{errs: []error{errors.New("status code: 529 overloaded")}}},
		{name: "unparseable reply", caller: &fakeLLMCaller{responses: []string{"Looks fine."}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{ScoreThreshold: 8},
				&fakeLLMCaller{responses: []string{docJSON(goodDoc())}}, tc.caller)
			res, err := h.run(t)
			if err != nil {
				t.Fatal(err)
			}
			if res.Record.Status != StatusScheduled || len(res.Attempts) != 1 {
				t.Fatalf("status=%s attempts=%d reason=%q", res.Record.Status, len(res.Attempts), res.Record.FailureReason)
			}
			if !res.Attempts[0].Review.Defaulted {
				t.Fatalf("expected a defaulted review: %+v", res.Attempts[0].Review)
			}
		})
	}
}

func TestRunLowScoreStillFailsRaisedThreshold(t *testing.T) {
	h := newHarness(t, Config{ScoreThreshold: 8, MaxAttempts: 1},
		&fakeLLMCaller{responses: []string{docJSON(goodDoc())}},
		&fakeLLMCaller{responses: []string{`{"score": 7, "verdict": "fine"}`}})
	res, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Status != StatusDraft {
		t.Fatalf("status = %s, want draft", res.Record.Status)
	}
	if !strings.Contains(res.Record.FailureReason, "editor score 7 is below 8") {
		t.Fatalf("reason = %q", res.Record.FailureReason)
	}
}

func TestRunSecondCallForWindowIsNoop(t *testing.T) {
	h := newHarness(t, Config{},
		&fakeLLMCaller{responses: []string{docJSON(goodDoc())}},
		&fakeLLMCaller{responses: []string{passingReview}})
	first, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.orch.Run(context.Background(), RunRequest{MarketID: "cumberland", Now: runNow.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Skipped || second.Record == nil || second.Record.ID != first.Record.ID {
		t.Fatalf("second run should skip with the existing record: %+v", second)
	}
	if len(h.store.posts) != 1 || h.writer.calls() != 1 {
		t.Fatalf("posts=%d calls=%d", len(h.store.posts), h.writer.calls())
	}
}

func TestRunRepairsReferencesBeforeGate(t *testing.T) {
	doc := testDocument(makeBody(600, "alpha-dinr", "Beta-Bistro"))
	h := newHarness(t, Config{},
		&fakeLLMCaller{responses: []string{docJSON(doc)}},
		&fakeLLMCaller{responses: []string{passingReview}})
	res, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Status != StatusScheduled {
		t.Fatalf("repaired post should pass: %v", res.Record.Review.Issues)
	}
	body := res.Record.Document.Body
	if !strings.Contains(body, "(/restaurants/alpha-diner)") || !strings.Contains(body, "(/restaurants/beta-bistro)") {
		t.Fatalf("references not repaired: %s", body)
	}
	if len(res.Attempts[0].Corrections) != 2 {
		t.Fatalf("corrections = %+v", res.Attempts[0].Corrections)
	}
}

func TestRunGenerationFailuresAbort(t *testing.T) {
	for _, tc := range []struct {
		name   string
		writer *fakeLLMCaller
		stage  string
	}{
		{name: "unparsable reply", writer: &fakeLLMCaller{responses: []string{"Sorry, I can't help with that."}}, stage: "parse"},
		{name: "empty reply", writer: &fakeLLMCaller{responses: []string{""}}, stage: "parse"},
		{name: "missing field", writer: &fakeLLMCaller{responses: []string{`{"title":"T","summary":"S","body":"B"}`}}, stage: "parse"},
		{name: "call failure", writer: &fakeLLMCaller{errs: []error{errors.New("status code: 500")}}, stage: "generate"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{}, tc.writer, &fakeLLMCaller{responses: []string{passingReview}})
			_, err := h.run(t)
			if KindOf(err) != KindGeneration || StageOf(err) != tc.stage {
				t.Fatalf("expected generation error at %s, got %v", tc.stage, err)
			}
			if h.writer.calls() != 1 {
				t.Fatalf("generation failures must not be retried, calls=%d", h.writer.calls())
			}
			if len(h.store.posts) != 0 {
				t.Fatal("no record should be written")
			}
			if len(h.store.failures) != 1 || h.store.failures[0].Kind != KindGeneration {
				t.Fatalf("failures = %+v", h.store.failures)
			}
			if len(h.notifier.failures) != 1 || len(h.notifier.drafts) != 0 {
				t.Fatalf("notifications: failures=%d drafts=%d", len(h.notifier.failures), len(h.notifier.drafts))
			}
		})
	}
}

func TestRunNoEntitiesIsContextError(t *testing.T) {
	h := newHarness(t, Config{}, &fakeLLMCaller{}, &fakeLLMCaller{})
	h.store.entities = nil
	_, err := h.run(t)
	if KindOf(err) != KindContext {
		t.Fatalf("expected context error, got %v", err)
	}
	if h.writer.calls() != 0 || len(h.store.failures) != 1 || len(h.notifier.failures) != 1 {
		t.Fatalf("calls=%d failures=%d notices=%d", h.writer.calls(), len(h.store.failures), len(h.notifier.failures))
	}
}

func TestRunUnknownMarket(t *testing.T) {
	h := newHarness(t, Config{}, &fakeLLMCaller{}, &fakeLLMCaller{})
	_, err := h.orch.Run(context.Background(), RunRequest{MarketID: "atlantis", Now: runNow})
	if KindOf(err) != KindContext || !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("got %v", err)
	}
}

func TestRunUsesFallbackCoverWhenNoEntityImages(t *testing.T) {
	store := &memStore{entities: []Entity{{Slug: "alpha-diner", Name: "Alpha"}, {Slug: "beta-bistro", Name: "Beta"}}}
	up := &fakeUploader{}
	orch, err := NewOrchestrator(Deps{
		Source:   store,
		Store:    store,
		Writer:   &fakeLLMCaller{responses: []string{docJSON(goodDoc())}},
		Reviewer: &fakeLLMCaller{responses: []string{passingReview}},
		Fallback: NewFallbackImageGenerator(&fakeImageGenerator{img: GeneratedImage{Data: []byte("png")}}, up, logger.NewNop()),
		Markets:  []Market{testMarket()},
	}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := orch.Run(context.Background(), RunRequest{Now: runNow})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Cover.Layout != LayoutSingle || res.Record.Cover.Images[0] != "https://cdn.example/"+up.key {
		t.Fatalf("cover = %+v", res.Record.Cover)
	}
}

func TestRunFallbackFailureLeavesEmptyCover(t *testing.T) {
	store := &memStore{entities: []Entity{{Slug: "alpha-diner", Name: "Alpha"}, {Slug: "beta-bistro", Name: "Beta"}}}
	orch, err := NewOrchestrator(Deps{
		Source:   store,
		Store:    store,
		Writer:   &fakeLLMCaller{responses: []string{docJSON(goodDoc())}},
		Reviewer: &fakeLLMCaller{responses: []string{passingReview}},
		Fallback: NewFallbackImageGenerator(&fakeImageGenerator{err: errors.New("quota")}, &fakeUploader{}, logger.NewNop()),
		Markets:  []Market{testMarket()},
	}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := orch.Run(context.Background(), RunRequest{Now: runNow})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Cover.Layout != LayoutNone || res.Record.Status != StatusScheduled {
		t.Fatalf("record = %+v", res.Record)
	}
}

func TestNewOrchestratorValidatesDeps(t *testing.T) {
	_, err := NewOrchestrator(Deps{}, Config{})
	if KindOf(err) != KindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
	store := &memStore{}
	_, err = NewOrchestrator(Deps{
		Source: store, Store: store, Writer: &fakeLLMCaller{}, Reviewer: &fakeLLMCaller{},
		Markets: []Market{testMarket()}, DefaultMarket: "elsewhere",
	}, Config{})
	if !errors.Is(err, ErrUnknownMarket) {
		t.Fatalf("expected unknown default market, got %v", err)
	}
}
