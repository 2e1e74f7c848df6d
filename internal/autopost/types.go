package autopost

import "time"

const (
	DefaultMaxAttempts    = 2
	DefaultScoreThreshold = 7
	DefaultMaxImages      = 4
	DefaultPublishHour    = 9

	MinWords          = 400
	MaxWords          = 1500
	MinSummaryChars   = 50
	MaxSummaryChars   = 250
	MinTitleChars     = 10
	MaxTitleChars     = 120
	MinDistinctRefs   = 2
	MaxRepairDistance = 2
	MaxSlugChars      = 80

	// ReferencePathPrefix is the link target prefix that marks an entity
	// reference inside a generated Markdown body.
	ReferencePathPrefix = "/restaurants/"
)

type Entity struct {
	Slug         string         `json:"slug" db:"slug"`
	Name         string         `json:"name" db:"name"`
	ImageURL     string         `json:"image_url,omitempty" db:"image_url"`
	Neighborhood string         `json:"neighborhood,omitempty" db:"neighborhood"`
	Cuisine      string         `json:"cuisine,omitempty" db:"cuisine"`
	Attributes   map[string]any `json:"attributes,omitempty" db:"-"`
}

type Offer struct {
	EntitySlug string    `json:"entity_slug"`
	Title      string    `json:"title"`
	Details    string    `json:"details,omitempty"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

type ScheduledItem struct {
	EntitySlug  string    `json:"entity_slug"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartsAt    time.Time `json:"starts_at"`
}

type Promotion struct {
	EntitySlug string `json:"entity_slug"`
	Headline   string `json:"headline"`
	Body       string `json:"body,omitempty"`
	Priority   int    `json:"priority"`
}

// ContextBundle is the read-only fact snapshot fetched once per run.
type ContextBundle struct {
	Entities   []Entity        `json:"entities"`
	Offers     []Offer         `json:"offers"`
	Schedules  []ScheduledItem `json:"schedules"`
	Promotions []Promotion     `json:"promotions"`
}

func (b ContextBundle) ValidSlugs() map[string]struct{} {
	out := make(map[string]struct{}, len(b.Entities))
	for _, e := range b.Entities {
		out[e.Slug] = struct{}{}
	}
	return out
}

func (b ContextBundle) ImageLookup() map[string]string {
	out := make(map[string]string, len(b.Entities))
	for _, e := range b.Entities {
		if e.ImageURL != "" {
			out[e.Slug] = e.ImageURL
		}
	}
	return out
}

type HolidayContext struct {
	Key   string    `json:"key"`
	Name  string    `json:"name"`
	Angle string    `json:"angle"`
	Date  time.Time `json:"date"`
}

type Topic struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Angle string `json:"angle" yaml:"angle"`
}

// ContentRequest is everything one invocation needs to write a post. It is
// built once and not modified afterwards.
type ContentRequest struct {
	Market              Market
	TargetDate          time.Time
	PublishAt           time.Time
	Topic               Topic
	Holiday             *HolidayContext
	Context             ContextBundle
	ExcludedImageURLs   map[string]struct{}
	ExcludedEntitySlugs map[string]struct{}
}

type Market struct {
	ID             string   `json:"id" yaml:"id"`
	Name           string   `json:"name" yaml:"name"`
	Region         string   `json:"region" yaml:"region"`
	Timezone       string   `json:"timezone" yaml:"timezone"`
	PublishTime    string   `json:"publish_time" yaml:"publish_time"`
	ForbiddenTerms []string `json:"forbidden_terms" yaml:"forbidden_terms"`
	SiteURL        string   `json:"site_url" yaml:"site_url"`
	AdminURL       string   `json:"admin_url" yaml:"admin_url"`
	OperatorEmail  string   `json:"operator_email" yaml:"operator_email"`
}

type GeneratedDocument struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Body    string   `json:"body"`
	Tags    []string `json:"tags"`
}

type GateResult struct {
	Passed  bool     `json:"passed"`
	Issues  []string `json:"issues"`
	Score   *int     `json:"score,omitempty"`
	Verdict string   `json:"verdict,omitempty"`
}

type Review struct {
	Score     int      `json:"score"`
	Verdict   string   `json:"verdict"`
	Issues    []string `json:"issues"`
	Defaulted bool     `json:"defaulted"`
}

type LayoutKind string

const (
	LayoutNone   LayoutKind = "none"
	LayoutSingle LayoutKind = "single"
	LayoutDual   LayoutKind = "dual"
	LayoutTriple LayoutKind = "triple"
	LayoutQuad   LayoutKind = "quad"
)

type CoverImageSet struct {
	Images []string   `json:"images"`
	Layout LayoutKind `json:"layout"`
}

type PostStatus string

const (
	StatusScheduled PostStatus = "scheduled"
	StatusDraft     PostStatus = "draft"
)

// PublishedRecord is the terminal output of a run. It is written once and
// never updated by this service.
type PublishedRecord struct {
	ID            string            `json:"id"`
	Market        string            `json:"market"`
	Slug          string            `json:"slug"`
	Document      GeneratedDocument `json:"document"`
	BodyHTML      string            `json:"body_html"`
	Cover         CoverImageSet     `json:"cover"`
	Status        PostStatus        `json:"status"`
	ScheduledFor  *time.Time        `json:"scheduled_for,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Review        GateResult        `json:"review"`
	TopicID       string            `json:"topic_id"`
	WindowStart   time.Time         `json:"window_start"`
	Attempts      int               `json:"attempts"`
	CreatedAt     time.Time         `json:"created_at"`
}

// RecentPost is the slice of a prior record the context assembler needs to
// build exclusion sets.
type RecentPost struct {
	Slug        string
	Body        string
	CoverImages []string
	CreatedAt   time.Time
}

// Attempt is one generate-and-check pass. Attempts are independent except
// for the issues carried into the next prompt.
type Attempt struct {
	Number      int               `json:"number"`
	Document    GeneratedDocument `json:"document"`
	Corrections []Correction      `json:"corrections,omitempty"`
	Gate        GateResult        `json:"gate"`
	Review      Review            `json:"review"`
	Passed      bool              `json:"passed"`
	Issues      []string          `json:"issues"`
}

type RunRequest struct {
	MarketID string
	Now      time.Time
}

type RunResult struct {
	Record   *PublishedRecord `json:"record,omitempty"`
	Skipped  bool             `json:"skipped"`
	Attempts []Attempt        `json:"attempts,omitempty"`
}
