package autopost

import (
	"context"
	"errors"
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func TestStripCodeFences(t *testing.T) {
	in := "```json\n{\"a\":1}\n```"
	if got := stripCodeFences(in); got != "{\"a\":1}" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestExtractJSONObjectSkipsProse(t *testing.T) {
	raw := "Sure! {not json} Here it is: {\"title\": \"x {y}\"} trailing {\"second\": 1}"
	obj, err := extractJSONObject(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(obj) != `{"title": "x {y}"}` {
		t.Fatalf("got %s", obj)
	}
	if _, err := extractJSONObject("no braces here"); !errors.Is(err, ErrNoJSONObject) {
		t.Fatalf("expected ErrNoJSONObject, got %v", err)
	}
}

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument("```json\n{\"title\":\" T \",\"summary\":\"S\",\"body\":\"B\",\"tags\":[\"a\",\" \",\"b\"]}\n```")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "T" || doc.Summary != "S" || doc.Body != "B" || strings.Join(doc.Tags, ",") != "a,b" {
		t.Fatalf("unexpected doc %+v", doc)
	}
}

func TestParseDocumentFailsClosed(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		want error
	}{
		{name: "empty", raw: "  \n", want: ErrEmptyResponse},
		{name: "no object", raw: "I could not write that post.", want: ErrNoJSONObject},
		{name: "missing body", raw: `{"title":"T","summary":"S","tags":[]}`, want: ErrMissingField},
		{name: "blank title", raw: `{"title":"  ","summary":"S","body":"B","tags":[]}`, want: ErrMissingField},
		{name: "missing tags", raw: `{"title":"T","summary":"S","body":"B"}`, want: ErrMissingField},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseDocument(tc.raw)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	_, err := parseDocument(`{"summary":"S"}`)
	if err == nil || !strings.Contains(err.Error(), "title, body, tags") {
		t.Fatalf("missing fields not listed: %v", err)
	}
}

func TestDescribeCallError(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{errors.New("POST: 429 Too Many Requests"), "rate_limited"},
		{errors.New("status code: 400 bad request"), "client"},
		{errors.New("failed after 5 retries while waiting 4 seconds"), "server"},
	} {
		if got := describeCallError(tc.err); got != tc.want {
			t.Fatalf("describeCallError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

type fakeMessager struct {
	params anthropic.MessageNewParams
	resp   *anthropic.Message
	err    error
}

func (f *fakeMessager) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = params
	return f.resp, f.err
}

func TestAnthropicCallerJoinsTextBlocks(t *testing.T) {
	fm := &fakeMessager{resp: &anthropic.Message{Content: []anthropic.ContentBlockUnion{
		{Type: "text", Text: "{\"a\":"},
		{Type: "text", Text: "1}"},
	}}}
	orig := newAnthropicClient
	newAnthropicClient = func(string) AnthropicMessager { return fm }
	defer func() { newAnthropicClient = orig }()

	c, err := NewAnthropicCaller(AnthropicConfig{APIKey: "k", Temperature: 0.7})
	if err != nil {
		t.Fatal(err)
	}
	if c.ModelName() != DefaultLLMModel {
		t.Fatalf("model = %s", c.ModelName())
	}
	out, err := c.GenerateJSON(context.Background(), "sys", "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if out != "{\"a\":1}" {
		t.Fatalf("got %q", out)
	}
	if fm.params.MaxTokens != 4096 {
		t.Fatalf("max tokens = %d", fm.params.MaxTokens)
	}
}

func TestNewAnthropicCallerRequiresKey(t *testing.T) {
	_, err := NewAnthropicCaller(AnthropicConfig{})
	if KindOf(err) != KindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}
