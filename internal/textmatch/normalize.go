package textmatch

import "strings"

var quoteStripper = strings.NewReplacer(
	"'", "", "\"", "", "`", "",
	"\u2018", "", "\u2019", "", "\u201c", "", "\u201d", "", "\u00b4", "",
)

// NormalizeReference canonicalizes an identifier for comparison only:
// lower-case, quotes removed, hyphen runs collapsed, edge hyphens trimmed.
// The result is never written back into text.
func NormalizeReference(s string) string {
	s = quoteStripper.Replace(strings.ToLower(strings.TrimSpace(s)))
	var b strings.Builder
	b.Grow(len(s))
	lastHyphen := false
	for _, r := range s {
		if r == '-' {
			if lastHyphen {
				continue
			}
			lastHyphen = true
		} else {
			lastHyphen = false
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), "-")
}
