package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/foodguide-autopost/internal/autopost"
)

// Store is the relational data store behind the pipeline. It serves both
// the read side (autopost.DataSource) and the write side (autopost.PostStore)
// on SQLite or Postgres. Timestamps are stored as fixed-width UTC text so
// range comparisons sort correctly on either engine.
type Store struct {
	db     *sqlx.DB
	driver string
}

var (
	_ autopost.DataSource = (*Store)(nil)
	_ autopost.PostStore  = (*Store)(nil)
)

const timeLayout = "2006-01-02T15:04:05Z"

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	market_id    TEXT NOT NULL,
	slug         TEXT NOT NULL,
	name         TEXT NOT NULL,
	image_url    TEXT NOT NULL DEFAULT '',
	neighborhood TEXT NOT NULL DEFAULT '',
	cuisine      TEXT NOT NULL DEFAULT '',
	attributes   TEXT NOT NULL DEFAULT '{}',
	active       INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (market_id, slug)
);

CREATE TABLE IF NOT EXISTS offers (
	id          TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL,
	entity_slug TEXT NOT NULL,
	title       TEXT NOT NULL,
	details     TEXT NOT NULL DEFAULT '',
	valid_from  TEXT NOT NULL,
	valid_until TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
	id          TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL,
	entity_slug TEXT NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	starts_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS promotions (
	id          TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL,
	entity_slug TEXT NOT NULL,
	headline    TEXT NOT NULL,
	body        TEXT NOT NULL DEFAULT '',
	priority    INTEGER NOT NULL DEFAULT 0,
	starts_at   TEXT NOT NULL,
	ends_at     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS posts (
	id             TEXT PRIMARY KEY,
	market_id      TEXT NOT NULL,
	slug           TEXT NOT NULL UNIQUE,
	title          TEXT NOT NULL,
	summary        TEXT NOT NULL,
	body           TEXT NOT NULL,
	body_html      TEXT NOT NULL,
	tags           TEXT NOT NULL DEFAULT '[]',
	cover_images   TEXT NOT NULL DEFAULT '[]',
	cover_layout   TEXT NOT NULL,
	status         TEXT NOT NULL,
	scheduled_for  TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	review         TEXT NOT NULL DEFAULT '{}',
	topic_id       TEXT NOT NULL DEFAULT '',
	window_start   TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	UNIQUE (market_id, window_start)
);

CREATE TABLE IF NOT EXISTS pipeline_failures (
	id           TEXT PRIMARY KEY,
	market_id    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	stage        TEXT NOT NULL,
	message      TEXT NOT NULL,
	window_start TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS posts_market_created ON posts (market_id, created_at);
CREATE INDEX IF NOT EXISTS offers_market ON offers (market_id, valid_from);
CREATE INDEX IF NOT EXISTS schedules_market ON schedules (market_id, starts_at)
`

// Open connects to DATABASE_URL-style targets: "postgres://..." or
// "postgresql://..." use pgx; "sqlite:<path>" or a bare path use SQLite.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database url is empty")
	}
	driver, target := "sqlite", strings.TrimPrefix(dsn, "sqlite:")
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, target = "pgx", dsn
	}
	if driver == "sqlite" {
		target += "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	db, err := sqlx.Open(driver, target)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// --- read side ---

type entityRow struct {
	Slug         string `db:"slug"`
	Name         string `db:"name"`
	ImageURL     string `db:"image_url"`
	Neighborhood string `db:"neighborhood"`
	Cuisine      string `db:"cuisine"`
	Attributes   string `db:"attributes"`
}

func (s *Store) ListEntities(ctx context.Context, marketID string) ([]autopost.Entity, error) {
	var rows []entityRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT slug, name, image_url, neighborhood, cuisine, attributes
		FROM entities WHERE market_id = ? AND active = 1 ORDER BY slug`), marketID)
	if err != nil {
		return nil, err
	}
	out := make([]autopost.Entity, 0, len(rows))
	for _, r := range rows {
		e := autopost.Entity{Slug: r.Slug, Name: r.Name, ImageURL: r.ImageURL, Neighborhood: r.Neighborhood, Cuisine: r.Cuisine}
		if r.Attributes != "" && r.Attributes != "{}" {
			if err := json.Unmarshal([]byte(r.Attributes), &e.Attributes); err != nil {
				return nil, fmt.Errorf("entity %s attributes: %w", r.Slug, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

type offerRow struct {
	EntitySlug string `db:"entity_slug"`
	Title      string `db:"title"`
	Details    string `db:"details"`
	ValidFrom  string `db:"valid_from"`
	ValidUntil string `db:"valid_until"`
}

func (s *Store) ListOffers(ctx context.Context, marketID string, on time.Time) ([]autopost.Offer, error) {
	var rows []offerRow
	at := timeText(on)
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT entity_slug, title, details, valid_from, valid_until
		FROM offers WHERE market_id = ? AND valid_from <= ? AND valid_until >= ? ORDER BY valid_until, entity_slug`), marketID, at, at)
	if err != nil {
		return nil, err
	}
	out := make([]autopost.Offer, 0, len(rows))
	for _, r := range rows {
		out = append(out, autopost.Offer{
			EntitySlug: r.EntitySlug,
			Title:      r.Title,
			Details:    r.Details,
			ValidFrom:  parseTimeText(r.ValidFrom),
			ValidUntil: parseTimeText(r.ValidUntil),
		})
	}
	return out, nil
}

type scheduleRow struct {
	EntitySlug  string `db:"entity_slug"`
	Title       string `db:"title"`
	Description string `db:"description"`
	StartsAt    string `db:"starts_at"`
}

func (s *Store) ListSchedules(ctx context.Context, marketID string, from, to time.Time) ([]autopost.ScheduledItem, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT entity_slug, title, description, starts_at
		FROM schedules WHERE market_id = ? AND starts_at >= ? AND starts_at < ? ORDER BY starts_at`), marketID, timeText(from), timeText(to))
	if err != nil {
		return nil, err
	}
	out := make([]autopost.ScheduledItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, autopost.ScheduledItem{
			EntitySlug:  r.EntitySlug,
			Title:       r.Title,
			Description: r.Description,
			StartsAt:    parseTimeText(r.StartsAt),
		})
	}
	return out, nil
}

type promotionRow struct {
	EntitySlug string `db:"entity_slug"`
	Headline   string `db:"headline"`
	Body       string `db:"body"`
	Priority   int    `db:"priority"`
}

func (s *Store) ListPromotions(ctx context.Context, marketID string, on time.Time) ([]autopost.Promotion, error) {
	var rows []promotionRow
	at := timeText(on)
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT entity_slug, headline, body, priority
		FROM promotions WHERE market_id = ? AND starts_at <= ? AND (ends_at = '' OR ends_at >= ?)
		ORDER BY priority DESC, entity_slug`), marketID, at, at)
	if err != nil {
		return nil, err
	}
	out := make([]autopost.Promotion, 0, len(rows))
	for _, r := range rows {
		out = append(out, autopost.Promotion(r))
	}
	return out, nil
}

type recentRow struct {
	Slug        string `db:"slug"`
	Body        string `db:"body"`
	CoverImages string `db:"cover_images"`
	CreatedAt   string `db:"created_at"`
}

func (s *Store) RecentPosts(ctx context.Context, marketID string, since time.Time) ([]autopost.RecentPost, error) {
	var rows []recentRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT slug, body, cover_images, created_at
		FROM posts WHERE market_id = ? AND created_at >= ? ORDER BY created_at DESC`), marketID, timeText(since))
	if err != nil {
		return nil, err
	}
	out := make([]autopost.RecentPost, 0, len(rows))
	for _, r := range rows {
		p := autopost.RecentPost{Slug: r.Slug, Body: r.Body, CreatedAt: parseTimeText(r.CreatedAt)}
		_ = json.Unmarshal([]byte(r.CoverImages), &p.CoverImages)
		out = append(out, p)
	}
	return out, nil
}

// --- write side ---

type postRow struct {
	ID            string `db:"id"`
	MarketID      string `db:"market_id"`
	Slug          string `db:"slug"`
	Title         string `db:"title"`
	Summary       string `db:"summary"`
	Body          string `db:"body"`
	BodyHTML      string `db:"body_html"`
	Tags          string `db:"tags"`
	CoverImages   string `db:"cover_images"`
	CoverLayout   string `db:"cover_layout"`
	Status        string `db:"status"`
	ScheduledFor  string `db:"scheduled_for"`
	FailureReason string `db:"failure_reason"`
	Review        string `db:"review"`
	TopicID       string `db:"topic_id"`
	WindowStart   string `db:"window_start"`
	Attempts      int    `db:"attempts"`
	CreatedAt     string `db:"created_at"`
}

func (r postRow) record() autopost.PublishedRecord {
	rec := autopost.PublishedRecord{
		ID:     r.ID,
		Market: r.MarketID,
		Slug:   r.Slug,
		Document: autopost.GeneratedDocument{
			Title:   r.Title,
			Summary: r.Summary,
			Body:    r.Body,
		},
		BodyHTML:      r.BodyHTML,
		Cover:         autopost.CoverImageSet{Layout: autopost.LayoutKind(r.CoverLayout)},
		Status:        autopost.PostStatus(r.Status),
		FailureReason: r.FailureReason,
		TopicID:       r.TopicID,
		WindowStart:   parseTimeText(r.WindowStart),
		Attempts:      r.Attempts,
		CreatedAt:     parseTimeText(r.CreatedAt),
	}
	_ = json.Unmarshal([]byte(r.Tags), &rec.Document.Tags)
	_ = json.Unmarshal([]byte(r.CoverImages), &rec.Cover.Images)
	_ = json.Unmarshal([]byte(r.Review), &rec.Review)
	if r.ScheduledFor != "" {
		t := parseTimeText(r.ScheduledFor)
		rec.ScheduledFor = &t
	}
	return rec
}

func (s *Store) FindByWindow(ctx context.Context, marketID string, windowStart time.Time) (*autopost.PublishedRecord, error) {
	var row postRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT * FROM posts WHERE market_id = ? AND window_start = ? LIMIT 1`),
		marketID, timeText(windowStart))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(1) FROM posts WHERE slug = ?`), slug); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) InsertPost(ctx context.Context, rec autopost.PublishedRecord) error {
	scheduled := ""
	if rec.ScheduledFor != nil {
		scheduled = timeText(*rec.ScheduledFor)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO posts (id, market_id, slug, title, summary, body, body_html, tags,
		cover_images, cover_layout, status, scheduled_for, failure_reason, review, topic_id, window_start, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Market,
		rec.Slug,
		rec.Document.Title,
		rec.Document.Summary,
		rec.Document.Body,
		rec.BodyHTML,
		marshalJSON(rec.Document.Tags, "[]"),
		marshalJSON(rec.Cover.Images, "[]"),
		string(rec.Cover.Layout),
		string(rec.Status),
		scheduled,
		rec.FailureReason,
		marshalJSON(rec.Review, "{}"),
		rec.TopicID,
		timeText(rec.WindowStart),
		rec.Attempts,
		timeText(rec.CreatedAt),
	)
	return err
}

func (s *Store) RecordFailure(ctx context.Context, f autopost.FailureRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO pipeline_failures (id, market_id, kind, stage, message, window_start, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		f.ID, f.Market, string(f.Kind), f.Stage, f.Message, timeText(f.WindowStart), timeText(f.CreatedAt))
	return err
}

type FailureRow struct {
	ID          string `db:"id" json:"id"`
	MarketID    string `db:"market_id" json:"market"`
	Kind        string `db:"kind" json:"kind"`
	Stage       string `db:"stage" json:"stage"`
	Message     string `db:"message" json:"message"`
	WindowStart string `db:"window_start" json:"window_start"`
	CreatedAt   string `db:"created_at" json:"created_at"`
}

// RecentFailures lists the newest failure rows for a market.
func (s *Store) RecentFailures(ctx context.Context, marketID string, limit int) ([]FailureRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []FailureRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT * FROM pipeline_failures WHERE market_id = ? ORDER BY created_at DESC LIMIT ?`), marketID, limit)
	return rows, err
}

// --- helpers ---

func timeText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTimeText(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}
