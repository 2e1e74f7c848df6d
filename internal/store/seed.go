package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/joelkehle/foodguide-autopost/internal/autopost"
)

func (s *Store) UpsertEntity(ctx context.Context, marketID string, e autopost.Entity) error {
	query := `INSERT INTO entities (market_id, slug, name, image_url, neighborhood, cuisine, attributes, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (market_id, slug) DO UPDATE SET name = excluded.name, image_url = excluded.image_url,
		neighborhood = excluded.neighborhood, cuisine = excluded.cuisine, attributes = excluded.attributes, active = 1`
	_, err := s.db.ExecContext(ctx, s.q(query),
		marketID, e.Slug, e.Name, e.ImageURL, e.Neighborhood, e.Cuisine, marshalJSON(e.Attributes, "{}"))
	return err
}

func (s *Store) AddOffer(ctx context.Context, marketID string, o autopost.Offer) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO offers (id, market_id, entity_slug, title, details, valid_from, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), marketID, o.EntitySlug, o.Title, o.Details, timeText(o.ValidFrom), timeText(o.ValidUntil))
	return err
}

func (s *Store) AddSchedule(ctx context.Context, marketID string, it autopost.ScheduledItem) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO schedules (id, market_id, entity_slug, title, description, starts_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), marketID, it.EntitySlug, it.Title, it.Description, timeText(it.StartsAt))
	return err
}

func (s *Store) AddPromotion(ctx context.Context, marketID string, p autopost.Promotion, startsAt, endsAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO promotions (id, market_id, entity_slug, headline, body, priority, starts_at, ends_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), marketID, p.EntitySlug, p.Headline, p.Body, p.Priority, timeText(startsAt), timeText(endsAt))
	return err
}

// SeedFile is a YAML fixture of directory data keyed by market id. It lets
// a local database be populated without the admin application.
type SeedFile struct {
	Markets map[string]SeedMarket `yaml:"markets"`
}

type SeedMarket struct {
	Entities []struct {
		Slug         string         `yaml:"slug"`
		Name         string         `yaml:"name"`
		ImageURL     string         `yaml:"image_url"`
		Neighborhood string         `yaml:"neighborhood"`
		Cuisine      string         `yaml:"cuisine"`
		Attributes   map[string]any `yaml:"attributes"`
	} `yaml:"entities"`
	Offers []struct {
		EntitySlug string    `yaml:"entity_slug"`
		Title      string    `yaml:"title"`
		Details    string    `yaml:"details"`
		ValidFrom  time.Time `yaml:"valid_from"`
		ValidUntil time.Time `yaml:"valid_until"`
	} `yaml:"offers"`
	Schedules []struct {
		EntitySlug  string    `yaml:"entity_slug"`
		Title       string    `yaml:"title"`
		Description string    `yaml:"description"`
		StartsAt    time.Time `yaml:"starts_at"`
	} `yaml:"schedules"`
	Promotions []struct {
		EntitySlug string    `yaml:"entity_slug"`
		Headline   string    `yaml:"headline"`
		Body       string    `yaml:"body"`
		Priority   int       `yaml:"priority"`
		StartsAt   time.Time `yaml:"starts_at"`
		EndsAt     time.Time `yaml:"ends_at"`
	} `yaml:"promotions"`
}

// LoadSeed applies a SeedFile. Entities are upserted; offers, schedules and
// promotions are appended.
func (s *Store) LoadSeed(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for marketID, m := range seed.Markets {
		for _, e := range m.Entities {
			ent := autopost.Entity{Slug: e.Slug, Name: e.Name, ImageURL: e.ImageURL, Neighborhood: e.Neighborhood, Cuisine: e.Cuisine, Attributes: e.Attributes}
			if err := s.UpsertEntity(ctx, marketID, ent); err != nil {
				return fmt.Errorf("seed entity %s/%s: %w", marketID, e.Slug, err)
			}
		}
		for _, o := range m.Offers {
			if err := s.AddOffer(ctx, marketID, autopost.Offer{EntitySlug: o.EntitySlug, Title: o.Title, Details: o.Details, ValidFrom: o.ValidFrom, ValidUntil: o.ValidUntil}); err != nil {
				return fmt.Errorf("seed offer %s: %w", o.Title, err)
			}
		}
		for _, it := range m.Schedules {
			if err := s.AddSchedule(ctx, marketID, autopost.ScheduledItem{EntitySlug: it.EntitySlug, Title: it.Title, Description: it.Description, StartsAt: it.StartsAt}); err != nil {
				return fmt.Errorf("seed schedule %s: %w", it.Title, err)
			}
		}
		for _, p := range m.Promotions {
			promo := autopost.Promotion{EntitySlug: p.EntitySlug, Headline: p.Headline, Body: p.Body, Priority: p.Priority}
			if err := s.AddPromotion(ctx, marketID, promo, p.StartsAt, p.EndsAt); err != nil {
				return fmt.Errorf("seed promotion %s: %w", p.Headline, err)
			}
		}
	}
	return nil
}
