package autopost

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	htmlTagRe       = regexp.MustCompile(`<[^>]*>`)
	htmlHeadingRe   = regexp.MustCompile(`(?i)<h[1-6][\s>]`)
	htmlParagraphRe = regexp.MustCompile(`(?i)<p[\s>]`)
)

// QualityGate runs the zero-cost structural checks. Every check runs on
// every call; issues are reported together.
type QualityGate struct {
	MinWords        int
	MaxWords        int
	MinSummaryChars int
	MaxSummaryChars int
	MinTitleChars   int
	MaxTitleChars   int
	MinDistinctRefs int

	md goldmark.Markdown
}

func NewQualityGate() *QualityGate {
	return &QualityGate{
		MinWords:        MinWords,
		MaxWords:        MaxWords,
		MinSummaryChars: MinSummaryChars,
		MaxSummaryChars: MaxSummaryChars,
		MinTitleChars:   MinTitleChars,
		MaxTitleChars:   MaxTitleChars,
		MinDistinctRefs: MinDistinctRefs,
		md:              goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

type bodyStructure struct {
	words      int
	headings   int
	paragraphs int
}

func (g *QualityGate) Check(doc GeneratedDocument, validSlugs map[string]struct{}, forbiddenTerms []string) GateResult {
	var issues []string
	st := g.analyze(doc.Body)

	if st.words < g.MinWords || st.words >= g.MaxWords {
		issues = append(issues, fmt.Sprintf("word count %d is outside the allowed range [%d, %d)", st.words, g.MinWords, g.MaxWords))
	}

	distinct := map[string]struct{}{}
	var unresolved []string
	for _, ref := range ExtractReferences(doc.Body) {
		if _, dup := distinct[ref]; dup {
			continue
		}
		distinct[ref] = struct{}{}
		if _, ok := validSlugs[ref]; !ok {
			unresolved = append(unresolved, ref)
		}
	}
	if len(distinct) < g.MinDistinctRefs {
		issues = append(issues, fmt.Sprintf("body references %d distinct restaurants; at least %d are required", len(distinct), g.MinDistinctRefs))
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		issues = append(issues, "unknown restaurant references: "+strings.Join(unresolved, ", "))
	}

	if st.headings == 0 {
		issues = append(issues, "body has no section headings")
	}
	if st.paragraphs == 0 {
		issues = append(issues, "body has no paragraphs")
	}

	if n := utf8.RuneCountInString(strings.TrimSpace(doc.Summary)); n < g.MinSummaryChars || n > g.MaxSummaryChars {
		issues = append(issues, fmt.Sprintf("summary length %d is outside [%d, %d] characters", n, g.MinSummaryChars, g.MaxSummaryChars))
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(doc.Title)); n < g.MinTitleChars || n > g.MaxTitleChars {
		issues = append(issues, fmt.Sprintf("title length %d is outside [%d, %d] characters", n, g.MinTitleChars, g.MaxTitleChars))
	}

	if hits := findForbidden(doc.Title+"\n"+doc.Body, forbiddenTerms); len(hits) > 0 {
		issues = append(issues, "mentions terms from another market: "+strings.Join(hits, ", "))
	}

	if len(doc.Tags) == 0 {
		issues = append(issues, "tags list is empty")
	}

	return GateResult{Passed: len(issues) == 0, Issues: issues}
}

// analyze walks the Markdown AST. Raw HTML blocks are tag-stripped before
// counting so a model that slips into HTML is measured the same way.
func (g *QualityGate) analyze(body string) bodyStructure {
	src := []byte(body)
	root := g.md.Parser().Parse(text.NewReader(src))
	var st bodyStructure
	var words strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				words.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			st.headings++
		case *ast.Paragraph:
			st.paragraphs++
		case *ast.Text:
			words.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				words.WriteByte(' ')
			}
		case *ast.String:
			words.Write(node.Value)
		case *ast.HTMLBlock:
			var raw strings.Builder
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				raw.Write(seg.Value(src))
			}
			html := raw.String()
			st.headings += len(htmlHeadingRe.FindAllStringIndex(html, -1))
			st.paragraphs += len(htmlParagraphRe.FindAllStringIndex(html, -1))
			words.WriteString(htmlTagRe.ReplaceAllString(html, " "))
			words.WriteByte(' ')
		}
		return ast.WalkContinue, nil
	})
	st.words = len(strings.Fields(words.String()))
	return st
}

func findForbidden(s string, terms []string) []string {
	var hits []string
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)(^|[^\pL\pN])` + regexp.QuoteMeta(term) + `($|[^\pL\pN])`)
		if re.MatchString(s) {
			hits = append(hits, term)
		}
	}
	return hits
}
