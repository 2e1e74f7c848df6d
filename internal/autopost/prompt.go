package autopost

import (
	"fmt"
	"sort"
	"strings"
)

const writerSystemPrompt = `You write the daily blog post for a local food guide. You only write about
restaurants, deals and events that appear in the facts you are given. You
never invent dishes, prices, hours or addresses. Respond with strict JSON only.`

const writerFormatRules = `Format rules:
- "body" is Markdown. Use "## " section headings and plain paragraphs.
- Body length: 600 to 1100 words.
- Link every restaurant you mention exactly like [Display Name](/restaurants/<slug>)
  using a slug from the facts. Mention at least 3 different restaurants.
- "summary" is one or two sentences, 80 to 200 characters.
- "title" is 20 to 90 characters, no clickbait.
- "tags" has 3 to 6 short lowercase tags.

Required JSON schema:
{
  "title": "string",
  "summary": "string",
  "body": "string (Markdown)",
  "tags": ["string"]
}`

const maxPromptEntities = 40

// buildPrompt renders the user prompt for one attempt. priorIssues, when
// non-empty, are the previous attempt's issues and are appended verbatim.
func buildPrompt(req ContentRequest, priorIssues []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Market: %s", req.Market.Name)
	if req.Market.Region != "" {
		fmt.Fprintf(&b, " (%s)", req.Market.Region)
	}
	fmt.Fprintf(&b, "\nPublish date: %s\n\n", req.TargetDate.Format("Monday, January 2, 2006"))

	fmt.Fprintf(&b, "Today's angle: %s\n%s\n", req.Topic.Title, req.Topic.Angle)
	if req.Holiday != nil {
		fmt.Fprintf(&b, "\nThis post runs ahead of %s (%s). %s\n",
			req.Holiday.Name, req.Holiday.Date.Format("January 2"), req.Holiday.Angle)
	}
	if len(req.Market.ForbiddenTerms) > 0 {
		fmt.Fprintf(&b, "\nDo not mention: %s.\n", strings.Join(req.Market.ForbiddenTerms, ", "))
	}

	b.WriteString("\nRESTAURANTS (slug | name | neighborhood | cuisine):\n")
	for _, e := range promptEntities(req.Context.Entities, req.ExcludedEntitySlugs) {
		fmt.Fprintf(&b, "- %s | %s | %s | %s\n", e.Slug, e.Name, e.Neighborhood, e.Cuisine)
	}

	if len(req.Context.Promotions) > 0 {
		b.WriteString("\nFEATURED (work these in where they fit naturally):\n")
		for _, p := range req.Context.Promotions {
			fmt.Fprintf(&b, "- %s: %s\n", p.EntitySlug, p.Headline)
		}
	}
	if len(req.Context.Offers) > 0 {
		b.WriteString("\nDEALS VALID TODAY:\n")
		for _, o := range req.Context.Offers {
			fmt.Fprintf(&b, "- %s: %s", o.EntitySlug, o.Title)
			if o.Details != "" {
				fmt.Fprintf(&b, " (%s)", o.Details)
			}
			b.WriteByte('\n')
		}
	}
	if len(req.Context.Schedules) > 0 {
		b.WriteString("\nUPCOMING EVENTS:\n")
		for _, s := range req.Context.Schedules {
			fmt.Fprintf(&b, "- %s: %s on %s\n", s.EntitySlug, s.Title, s.StartsAt.Format("Mon Jan 2 3:04 PM"))
		}
	}

	b.WriteString("\n")
	b.WriteString(writerFormatRules)

	if len(priorIssues) > 0 {
		b.WriteString("\n\nYour previous draft was rejected. Fix every one of these issues:\n")
		for _, issue := range priorIssues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	return b.String()
}

// promptEntities puts entities outside the cooldown set first, then the
// rest, and caps the list. Cooled-down entities stay linkable so a thin
// market still has enough to write about.
func promptEntities(all []Entity, cooldown map[string]struct{}) []Entity {
	fresh := make([]Entity, 0, len(all))
	var stale []Entity
	for _, e := range all {
		if _, ok := cooldown[e.Slug]; ok {
			stale = append(stale, e)
			continue
		}
		fresh = append(fresh, e)
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Slug < fresh[j].Slug })
	sort.SliceStable(stale, func(i, j int) bool { return stale[i].Slug < stale[j].Slug })
	out := append(fresh, stale...)
	if len(out) > maxPromptEntities {
		out = out[:maxPromptEntities]
	}
	return out
}

func imagePrompt(seed string) string {
	return fmt.Sprintf("Editorial food photography for a local restaurant guide. Natural window light, "+
		"shallow depth of field, rustic wooden table, no text, no logos, no people's faces. Subject: %s", seed)
}
