package autopost

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

const reviewerSystemPrompt = "You are the managing editor of a local food guide. You grade drafts honestly and briefly. Respond with strict JSON only."

const reviewRubric = `Score the draft from 1 to 10 against this rubric:
- Voice: warm, local, confident; reads like a neighbor who eats out a lot, not an ad.
- Accuracy: makes no claims beyond the facts provided; no invented dishes, prices or hours.
- Engagement: the opening earns the next paragraph; sections have a reason to exist.
- Actionability: a reader knows where to go, when, and what to order.
- Craft: clean structure, varied sentences, no filler or cliches.

A 7 means publishable as-is. Below 7 means an editor must intervene.

Reply with one JSON object shaped like this example. "score" is a bare
integer from 1 to 10, "verdict" is one sentence and "issues" lists 0-8
concrete, fixable problems:
{
  "score": 8,
  "verdict": "Warm and specific; the closing section drags.",
  "issues": ["Cut the second paragraph of the closing section."]
}`

// DefaultReviewScore is reported whenever the reviewer cannot produce a
// usable score. The orchestrator skips the score check for defaulted
// reviews, so a broken reviewer never blocks publication at any threshold.
const DefaultReviewScore = 7

type QualityReviewer struct {
	caller LLMCaller
	log    *logger.Logger
}

func NewQualityReviewer(caller LLMCaller, log *logger.Logger) *QualityReviewer {
	return &QualityReviewer{caller: caller, log: log.With("component", "QualityReviewer")}
}

// reviewScore accepts 8, 8.0 and "8".
type reviewScore int

func (s *reviewScore) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 100 {
		return fmt.Errorf("score %s is not an integer", string(b))
	}
	*s = reviewScore(f)
	return nil
}

type reviewPayload struct {
	Score   *reviewScore `json:"score"`
	Verdict string       `json:"verdict"`
	Issues  []string     `json:"issues"`
}

// Review never returns an error. Call failures and unusable replies yield
// DefaultReviewScore with Defaulted set.
func (r *QualityReviewer) Review(ctx context.Context, doc GeneratedDocument) Review {
	prompt := fmt.Sprintf("%s\n\nTitle: %s\n\nSummary: %s\n\nTags: %s\n\nBody (Markdown):\n%s",
		reviewRubric, doc.Title, doc.Summary, strings.Join(doc.Tags, ", "), doc.Body)

	raw, err := r.caller.GenerateJSON(ctx, reviewerSystemPrompt, prompt)
	if err != nil {
		r.log.Warn("reviewer call failed; using default score", "error", err.Error())
		return defaultReview(fmt.Sprintf("reviewer unavailable (%s); deferring to deterministic checks", describeCallError(err)))
	}
	rev, perr := parseReview(raw)
	if perr != nil {
		r.log.Warn("reviewer reply unusable; using default score", "error", perr.Error())
		return defaultReview("reviewer reply could not be parsed; deferring to deterministic checks")
	}
	return rev
}

func parseReview(raw string) (Review, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return Review{}, err
	}
	var p reviewPayload
	if err := json.Unmarshal(obj, &p); err != nil {
		return Review{}, err
	}
	if p.Score == nil {
		return Review{}, fmt.Errorf("%w: score", ErrMissingField)
	}
	score := int(*p.Score)
	if score < 1 || score > 10 {
		return Review{}, fmt.Errorf("score %d out of range", score)
	}
	out := Review{Score: score, Verdict: strings.TrimSpace(p.Verdict)}
	for _, issue := range p.Issues {
		if issue = strings.TrimSpace(issue); issue != "" {
			out.Issues = append(out.Issues, issue)
		}
	}
	return out, nil
}

func defaultReview(verdict string) Review {
	return Review{Score: DefaultReviewScore, Verdict: verdict, Defaulted: true}
}
