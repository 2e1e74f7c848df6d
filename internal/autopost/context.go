package autopost

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

const (
	DefaultLookbackDays       = 14
	DefaultEntityCooldownDays = 7
	DefaultScheduleHorizon    = 7
)

// DataSource is the read side of the relational store.
type DataSource interface {
	ListEntities(ctx context.Context, marketID string) ([]Entity, error)
	ListOffers(ctx context.Context, marketID string, on time.Time) ([]Offer, error)
	ListSchedules(ctx context.Context, marketID string, from, to time.Time) ([]ScheduledItem, error)
	ListPromotions(ctx context.Context, marketID string, on time.Time) ([]Promotion, error)
	RecentPosts(ctx context.Context, marketID string, since time.Time) ([]RecentPost, error)
}

type Assembled struct {
	Bundle              ContextBundle
	ExcludedImageURLs   map[string]struct{}
	ExcludedEntitySlugs map[string]struct{}
}

type ContextAssembler struct {
	source       DataSource
	log          *logger.Logger
	LookbackDays int
	CooldownDays int
	HorizonDays  int
}

func NewContextAssembler(source DataSource, log *logger.Logger) *ContextAssembler {
	return &ContextAssembler{
		source:       source,
		log:          log.With("component", "ContextAssembler"),
		LookbackDays: DefaultLookbackDays,
		CooldownDays: DefaultEntityCooldownDays,
		HorizonDays:  DefaultScheduleHorizon,
	}
}

// Assemble runs the five read queries concurrently and joins on all of
// them. The queries share nothing; each goroutine writes its own variable.
func (a *ContextAssembler) Assemble(ctx context.Context, marketID string, target time.Time) (Assembled, error) {
	var (
		entities   []Entity
		offers     []Offer
		schedules  []ScheduledItem
		promotions []Promotion
		recent     []RecentPost
	)
	since := target.AddDate(0, 0, -a.LookbackDays)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entities, err = a.source.ListEntities(gctx, marketID)
		return wrapQuery("entities", err)
	})
	g.Go(func() error {
		var err error
		offers, err = a.source.ListOffers(gctx, marketID, target)
		return wrapQuery("offers", err)
	})
	g.Go(func() error {
		var err error
		schedules, err = a.source.ListSchedules(gctx, marketID, target, target.AddDate(0, 0, a.HorizonDays))
		return wrapQuery("schedules", err)
	})
	g.Go(func() error {
		var err error
		promotions, err = a.source.ListPromotions(gctx, marketID, target)
		return wrapQuery("promotions", err)
	})
	g.Go(func() error {
		var err error
		recent, err = a.source.RecentPosts(gctx, marketID, since)
		return wrapQuery("recent posts", err)
	})
	if err := g.Wait(); err != nil {
		return Assembled{}, newError(KindPersistence, "context", err)
	}
	if len(entities) == 0 {
		return Assembled{}, newError(KindContext, "context", fmt.Errorf("%w in market %q", ErrNoEntities, marketID))
	}

	out := Assembled{
		Bundle: ContextBundle{
			Entities:   entities,
			Offers:     offers,
			Schedules:  schedules,
			Promotions: promotions,
		},
		ExcludedImageURLs:   map[string]struct{}{},
		ExcludedEntitySlugs: map[string]struct{}{},
	}
	cooldownStart := target.AddDate(0, 0, -a.CooldownDays)
	for _, p := range recent {
		for _, u := range p.CoverImages {
			out.ExcludedImageURLs[u] = struct{}{}
		}
		if p.CreatedAt.Before(cooldownStart) {
			continue
		}
		for _, slug := range ExtractReferences(p.Body) {
			out.ExcludedEntitySlugs[slug] = struct{}{}
		}
	}
	a.log.Info("context assembled",
		"market", marketID,
		"entities", len(entities),
		"offers", len(offers),
		"schedules", len(schedules),
		"promotions", len(promotions),
		"recent_posts", len(recent),
		"excluded_images", len(out.ExcludedImageURLs),
		"excluded_entities", len(out.ExcludedEntitySlugs),
	)
	return out, nil
}

func wrapQuery(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("load %s: %w", what, err)
}
