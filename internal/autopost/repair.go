package autopost

import (
	"regexp"
	"sort"
	"strings"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
	"github.com/joelkehle/foodguide-autopost/internal/textmatch"
)

// referenceRe matches the link target of an entity reference,
// e.g. "[Joe's Diner](/restaurants/joes-diner)". Group 1 is the slug.
var referenceRe = regexp.MustCompile(`\]\(` + regexp.QuoteMeta(ReferencePathPrefix) + `([^)\s]+)\)`)

// ExtractReferences returns every referenced slug in document order,
// duplicates included.
func ExtractReferences(body string) []string {
	matches := referenceRe.FindAllStringSubmatch(body, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

type Correction struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Method string `json:"method"`
}

type RepairResult struct {
	Body        string
	Corrections []Correction
	Unresolved  []string
}

type Repairer struct {
	log         *logger.Logger
	maxDistance int
}

func NewRepairer(log *logger.Logger) *Repairer {
	return &Repairer{log: log.With("component", "ReferenceRepairer"), maxDistance: MaxRepairDistance}
}

// Repair rewrites entity references whose slug is not in valid. Only the
// slug inside a matched link is touched; references that cannot be
// resolved to exactly one valid slug are left as written.
func (r *Repairer) Repair(body string, valid map[string]struct{}) RepairResult {
	res := RepairResult{Body: body}
	idx := referenceRe.FindAllStringSubmatchIndex(body, -1)
	if len(idx) == 0 {
		return res
	}

	slugs := make([]string, 0, len(valid))
	for s := range valid {
		slugs = append(slugs, s)
	}
	sort.Strings(slugs)
	normalized := make([]string, len(slugs))
	byNormalized := map[string][]string{}
	for i, s := range slugs {
		normalized[i] = textmatch.NormalizeReference(s)
		byNormalized[normalized[i]] = append(byNormalized[normalized[i]], s)
	}

	var b strings.Builder
	b.Grow(len(body))
	last := 0
	seenUnresolved := map[string]bool{}
	for _, m := range idx {
		start, end := m[2], m[3]
		ref := body[start:end]
		b.WriteString(body[last:start])
		last = end

		if _, ok := valid[ref]; ok {
			b.WriteString(ref)
			continue
		}
		fixed, method := r.resolve(ref, slugs, normalized, byNormalized)
		if fixed == "" {
			b.WriteString(ref)
			if !seenUnresolved[ref] {
				seenUnresolved[ref] = true
				res.Unresolved = append(res.Unresolved, ref)
			}
			continue
		}
		b.WriteString(fixed)
		res.Corrections = append(res.Corrections, Correction{From: ref, To: fixed, Method: method})
		r.log.Info("repaired entity reference", "from", ref, "to", fixed, "method", method)
	}
	b.WriteString(body[last:])
	res.Body = b.String()
	return res
}

func (r *Repairer) resolve(ref string, slugs, normalized []string, byNormalized map[string][]string) (string, string) {
	norm := textmatch.NormalizeReference(ref)
	if norm == "" {
		return "", ""
	}
	if hits := byNormalized[norm]; len(hits) == 1 {
		return hits[0], "normalized"
	}

	i, _, ok := textmatch.NearestUnique(norm, normalized, r.maxDistance)
	if !ok {
		return "", ""
	}
	return slugs[i], "edit_distance"
}
