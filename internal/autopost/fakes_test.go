package autopost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type fakeLLMCaller struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	idx       int
	prompts   []string
}

func (f *fakeLLMCaller) GenerateJSON(_ context.Context, _ string, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.idx
	f.idx++
	f.prompts = append(f.prompts, prompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func (f *fakeLLMCaller) ModelName() string { return "fake-model" }

func (f *fakeLLMCaller) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idx
}

// memStore is an in-memory DataSource and PostStore.
type memStore struct {
	mu         sync.Mutex
	entities   []Entity
	offers     []Offer
	schedules  []ScheduledItem
	promotions []Promotion
	recent     []RecentPost
	posts      []PublishedRecord
	failures   []FailureRecord
	readErr    error
	insertErr  error
}

func (m *memStore) ListEntities(context.Context, string) ([]Entity, error) {
	return m.entities, m.readErr
}

func (m *memStore) ListOffers(context.Context, string, time.Time) ([]Offer, error) {
	return m.offers, nil
}

func (m *memStore) ListSchedules(context.Context, string, time.Time, time.Time) ([]ScheduledItem, error) {
	return m.schedules, nil
}

func (m *memStore) ListPromotions(context.Context, string, time.Time) ([]Promotion, error) {
	return m.promotions, nil
}

func (m *memStore) RecentPosts(context.Context, string, time.Time) ([]RecentPost, error) {
	return m.recent, nil
}

func (m *memStore) FindByWindow(_ context.Context, marketID string, windowStart time.Time) (*PublishedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.posts {
		if m.posts[i].Market == marketID && m.posts[i].WindowStart.Equal(windowStart) {
			rec := m.posts[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *memStore) SlugExists(_ context.Context, slug string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.posts {
		if p.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertPost(_ context.Context, rec PublishedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.posts = append(m.posts, rec)
	return nil
}

func (m *memStore) RecordFailure(_ context.Context, f FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	drafts   []DraftNotice
	failures []FailureNotice
	err      error
}

func (f *fakeNotifier) NotifyDraftHeld(_ context.Context, n DraftNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, n)
	return f.err
}

func (f *fakeNotifier) NotifyFailure(_ context.Context, n FailureNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, n)
	return f.err
}

func testEntities() []Entity {
	return []Entity{
		{Slug: "alpha-diner", Name: "Alpha Diner", ImageURL: "https://img.example/alpha.jpg"},
		{Slug: "beta-bistro", Name: "Beta Bistro", ImageURL: "https://img.example/beta.jpg"},
		{Slug: "gamma-grill", Name: "Gamma Grill", ImageURL: "https://img.example/gamma.jpg"},
	}
}

func testMarket() Market {
	return Market{
		ID:             "cumberland",
		Name:           "Cumberland",
		Timezone:       "UTC",
		PublishTime:    "09:00",
		ForbiddenTerms: []string{"Hagerstown"},
		AdminURL:       "https://admin.example",
		OperatorEmail:  "ops@example.com",
	}
}

// makeBody returns a Markdown body with one heading, one paragraph that
// links each slug, and exactly words counted words.
func makeBody(words int, slugs ...string) string {
	var b strings.Builder
	b.WriteString("## Picks\n\n")
	for i, s := range slugs {
		fmt.Fprintf(&b, "[Place%d](/restaurants/%s) ", i, s)
	}
	for i := 0; i < words-1-len(slugs); i++ {
		b.WriteString("tasty ")
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func testDocument(body string) GeneratedDocument {
	return GeneratedDocument{
		Title:   "Three great spots for dinner tonight",
		Summary: "A quick tour of three local favorites worth booking a table at this week.",
		Body:    body,
		Tags:    []string{"dinner", "local"},
	}
}

func docJSON(doc GeneratedDocument) string {
	raw, _ := json.Marshal(map[string]any{
		"title":   doc.Title,
		"summary": doc.Summary,
		"body":    doc.Body,
		"tags":    doc.Tags,
	})
	return "Here is your post:\n" + string(raw) + "\nEnjoy!"
}

const passingReview = `{"score": 8, "verdict": "Warm and specific.", "issues": []}`
