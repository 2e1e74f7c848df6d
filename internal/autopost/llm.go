package autopost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const DefaultLLMModel = string(anthropic.ModelClaudeSonnet4_20250514)

// LLMCaller sends one prompt and returns the raw text reply. Callers are
// fire-once: retry is decided by the pipeline, never inside a call.
type LLMCaller interface {
	GenerateJSON(ctx context.Context, system, prompt string) (string, error)
	ModelName() string
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicCaller struct {
	messages    AnthropicMessager
	model       string
	maxTokens   int64
	temperature float64
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
}

func NewAnthropicCaller(cfg AnthropicConfig) (*AnthropicCaller, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ConfigError(errors.New("ANTHROPIC_API_KEY not configured"))
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultLLMModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicCaller{
		messages:    newAnthropicClient(cfg.APIKey),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (a *AnthropicCaller) ModelName() string { return a.model }

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, system, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(a.temperature),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

// extractJSONObject returns the first well-formed JSON object in raw,
// tolerating surrounding prose and code fences.
func extractJSONObject(raw string) (json.RawMessage, error) {
	s := stripCodeFences(raw)
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		var obj json.RawMessage
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		if err := dec.Decode(&obj); err == nil {
			return obj, nil
		}
	}
	return nil, ErrNoJSONObject
}

type documentPayload struct {
	Title   *string   `json:"title"`
	Summary *string   `json:"summary"`
	Body    *string   `json:"body"`
	Tags    *[]string `json:"tags"`
}

// parseDocument decodes a completion reply into a GeneratedDocument. It
// fails closed: a missing or blank required field is an error, never a
// partial document.
func parseDocument(raw string) (GeneratedDocument, error) {
	if strings.TrimSpace(raw) == "" {
		return GeneratedDocument{}, ErrEmptyResponse
	}
	obj, err := extractJSONObject(raw)
	if err != nil {
		return GeneratedDocument{}, err
	}
	var p documentPayload
	if err := json.Unmarshal(obj, &p); err != nil {
		return GeneratedDocument{}, fmt.Errorf("decode document: %w", err)
	}
	var missing []string
	if p.Title == nil || strings.TrimSpace(*p.Title) == "" {
		missing = append(missing, "title")
	}
	if p.Summary == nil || strings.TrimSpace(*p.Summary) == "" {
		missing = append(missing, "summary")
	}
	if p.Body == nil || strings.TrimSpace(*p.Body) == "" {
		missing = append(missing, "body")
	}
	if p.Tags == nil {
		missing = append(missing, "tags")
	}
	if len(missing) > 0 {
		return GeneratedDocument{}, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	doc := GeneratedDocument{
		Title:   strings.TrimSpace(*p.Title),
		Summary: strings.TrimSpace(*p.Summary),
		Body:    strings.TrimSpace(*p.Body),
	}
	for _, t := range *p.Tags {
		if t = strings.TrimSpace(t); t != "" {
			doc.Tags = append(doc.Tags, t)
		}
	}
	return doc, nil
}

// describeCallError labels a completion transport error for failure records.
func describeCallError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return "rate_limited"
	case strings.Contains(msg, "status code: 4"), strings.Contains(msg, "status=4"):
		return "client"
	default:
		return "server"
	}
}
