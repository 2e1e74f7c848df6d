package autopost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

// PostStore is the write side of the relational store plus the lookups the
// idempotency and slug checks need.
type PostStore interface {
	FindByWindow(ctx context.Context, marketID string, windowStart time.Time) (*PublishedRecord, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	InsertPost(ctx context.Context, rec PublishedRecord) error
	RecordFailure(ctx context.Context, f FailureRecord) error
}

type FailureRecord struct {
	ID          string
	Market      string
	Kind        ErrorKind
	Stage       string
	Message     string
	WindowStart time.Time
	CreatedAt   time.Time
}

type DraftNotice struct {
	To        string
	Market    string
	Title     string
	Slug      string
	Score     int
	Verdict   string
	Issues    []string
	Attempts  int
	AdminLink string
}

type FailureNotice struct {
	To      string
	Market  string
	Kind    ErrorKind
	Stage   string
	Message string
	At      time.Time
}

type Notifier interface {
	NotifyDraftHeld(ctx context.Context, n DraftNotice) error
	NotifyFailure(ctx context.Context, n FailureNotice) error
}

// PublishSlot is the resolved publish instant and the window it belongs to.
type PublishSlot struct {
	At          time.Time
	WindowStart time.Time
	WindowEnd   time.Time
}

// ResolvePublishSlot returns the market's next daily publish instant at or
// after now. The window is the local calendar day holding that instant.
func ResolvePublishSlot(m Market, now time.Time) (PublishSlot, error) {
	loc := time.UTC
	if m.Timezone != "" {
		l, err := time.LoadLocation(m.Timezone)
		if err != nil {
			return PublishSlot{}, ConfigError(fmt.Errorf("market %s timezone: %w", m.ID, err))
		}
		loc = l
	}
	hour, minute := DefaultPublishHour, 0
	if m.PublishTime != "" {
		t, err := time.Parse("15:04", m.PublishTime)
		if err != nil {
			return PublishSlot{}, ConfigError(fmt.Errorf("market %s publish_time %q: %w", m.ID, m.PublishTime, err))
		}
		hour, minute = t.Hour(), t.Minute()
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !now.Before(at) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, loc)
	end := time.Date(at.Year(), at.Month(), at.Day()+1, 0, 0, 0, 0, loc)
	return PublishSlot{At: at, WindowStart: start.UTC(), WindowEnd: end.UTC()}, nil
}

var slugSepRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases title, collapses every non-alphanumeric run to one
// hyphen, trims edge hyphens and cuts the result to MaxSlugChars.
func Slugify(title string) string {
	s := slugSepRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxSlugChars {
		s = strings.TrimRight(s[:MaxSlugChars], "-")
	}
	return s
}

type DecideInput struct {
	Request  ContentRequest
	Document GeneratedDocument
	Result   GateResult
	Passed   bool
	Cover    CoverImageSet
	Attempts int
	Slot     PublishSlot
}

type PublishDecider struct {
	store    PostStore
	notifier Notifier
	log      *logger.Logger
	md       goldmark.Markdown
	now      func() time.Time
}

func NewPublishDecider(store PostStore, notifier Notifier, log *logger.Logger) *PublishDecider {
	return &PublishDecider{
		store:    store,
		notifier: notifier,
		log:      log.With("component", "PublishDecider"),
		md:       goldmark.New(goldmark.WithExtensions(extension.GFM)),
		now:      time.Now,
	}
}

// Decide persists the terminal record. A failed notification is logged and
// does not undo the write.
func (d *PublishDecider) Decide(ctx context.Context, in DecideInput) (PublishedRecord, error) {
	slug, err := d.uniqueSlug(ctx, in.Document.Title)
	if err != nil {
		return PublishedRecord{}, newError(KindPersistence, "publish", err)
	}
	var html bytes.Buffer
	if err := d.md.Convert([]byte(in.Document.Body), &html); err != nil {
		return PublishedRecord{}, newError(KindGeneration, "publish", fmt.Errorf("render body: %w", err))
	}

	rec := PublishedRecord{
		ID:          uuid.NewString(),
		Market:      in.Request.Market.ID,
		Slug:        slug,
		Document:    in.Document,
		BodyHTML:    html.String(),
		Cover:       in.Cover,
		Review:      in.Result,
		TopicID:     in.Request.Topic.ID,
		WindowStart: in.Slot.WindowStart,
		Attempts:    in.Attempts,
		CreatedAt:   d.now().UTC(),
	}
	if in.Passed {
		at := in.Slot.At.UTC()
		rec.Status = StatusScheduled
		rec.ScheduledFor = &at
	} else {
		rec.Status = StatusDraft
		rec.FailureReason = strings.Join(in.Result.Issues, "; ")
		if rec.FailureReason == "" {
			rec.FailureReason = "quality checks did not pass"
		}
	}

	if err := d.store.InsertPost(ctx, rec); err != nil {
		return PublishedRecord{}, newError(KindPersistence, "publish", fmt.Errorf("insert post: %w", err))
	}
	d.log.Info("post recorded", "market", rec.Market, "slug", rec.Slug, "status", string(rec.Status), "attempts", rec.Attempts)

	if rec.Status == StatusDraft && d.notifier != nil {
		notice := DraftNotice{
			To:        in.Request.Market.OperatorEmail,
			Market:    in.Request.Market.Name,
			Title:     rec.Document.Title,
			Slug:      rec.Slug,
			Verdict:   in.Result.Verdict,
			Issues:    in.Result.Issues,
			Attempts:  rec.Attempts,
			AdminLink: AdminLink(in.Request.Market.AdminURL, rec.Slug),
		}
		if in.Result.Score != nil {
			notice.Score = *in.Result.Score
		}
		if err := d.notifier.NotifyDraftHeld(ctx, notice); err != nil {
			d.log.Error("draft notification failed", "slug", rec.Slug, "error", err.Error())
		}
	}
	return rec, nil
}

func (d *PublishDecider) uniqueSlug(ctx context.Context, title string) (string, error) {
	base := Slugify(title)
	if base == "" {
		base = "post"
	}
	exists, err := d.store.SlugExists(ctx, base)
	if err != nil {
		return "", fmt.Errorf("check slug: %w", err)
	}
	if !exists {
		return base, nil
	}
	suffixed := base + "-" + strconv.FormatInt(d.now().Unix(), 10)
	exists, err = d.store.SlugExists(ctx, suffixed)
	if err != nil {
		return "", fmt.Errorf("check slug: %w", err)
	}
	if exists {
		return "", errors.New("slug collision persists after timestamp suffix: " + suffixed)
	}
	return suffixed, nil
}

func AdminLink(adminURL, slug string) string {
	return strings.TrimRight(adminURL, "/") + "/admin/blog/" + slug
}
