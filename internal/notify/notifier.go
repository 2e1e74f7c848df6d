package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/joelkehle/foodguide-autopost/internal/autopost"
	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

type sender interface {
	Send(ctx context.Context, m Email) (string, error)
}

var (
	_ autopost.Notifier = (*EmailNotifier)(nil)
	_ autopost.Notifier = (*LogNotifier)(nil)
)

// EmailNotifier tells a market's operator about held drafts and failed runs.
type EmailNotifier struct {
	mail sender
	md   goldmark.Markdown
	log  *logger.Logger
}

func NewEmailNotifier(mail sender, log *logger.Logger) *EmailNotifier {
	return &EmailNotifier{mail: mail, md: goldmark.New(), log: log.With("service", "EmailNotifier")}
}

func (n *EmailNotifier) NotifyDraftHeld(ctx context.Context, d autopost.DraftNotice) error {
	if strings.TrimSpace(d.To) == "" {
		n.log.Warn("draft held but market has no operator email", "market", d.Market, "slug", d.Slug)
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Today's post for **%s** did not pass quality checks after %d attempt(s) and was saved as a draft.\n\n", d.Market, d.Attempts)
	fmt.Fprintf(&b, "- Title: %s\n", d.Title)
	fmt.Fprintf(&b, "- Editor score: %d\n", d.Score)
	if d.Verdict != "" {
		fmt.Fprintf(&b, "- Verdict: %s\n", d.Verdict)
	}
	if len(d.Issues) > 0 {
		b.WriteString("\n### Issues\n\n")
		for _, issue := range d.Issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	if d.AdminLink != "" {
		fmt.Fprintf(&b, "\n[Review the draft](%s)\n", d.AdminLink)
	}
	subject := fmt.Sprintf("[%s] Daily post held for review: %s", d.Market, d.Title)
	return n.send(ctx, d.To, subject, b.String(), "autopost-draft")
}

func (n *EmailNotifier) NotifyFailure(ctx context.Context, f autopost.FailureNotice) error {
	if strings.TrimSpace(f.To) == "" {
		n.log.Warn("run failed but market has no operator email", "market", f.Market, "stage", f.Stage)
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The daily post run for **%s** failed. Nothing was saved.\n\n", f.Market)
	fmt.Fprintf(&b, "- Kind: %s\n", f.Kind)
	fmt.Fprintf(&b, "- Stage: %s\n", f.Stage)
	fmt.Fprintf(&b, "- At: %s\n", f.At.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "\n```\n%s\n```\n", f.Message)
	subject := fmt.Sprintf("[%s] Daily post run failed (%s)", f.Market, f.Kind)
	return n.send(ctx, f.To, subject, b.String(), "autopost-failure")
}

func (n *EmailNotifier) send(ctx context.Context, to, subject, text, category string) error {
	var html bytes.Buffer
	if err := n.md.Convert([]byte(text), &html); err != nil {
		return fmt.Errorf("render notice: %w", err)
	}
	id, err := n.mail.Send(ctx, Email{
		To:         []EmailAddress{{Email: to}},
		Subject:    subject,
		Text:       text,
		HTML:       html.String(),
		Categories: []string{category},
	})
	if err != nil {
		return err
	}
	n.log.Info("notice sent", "to", to, "category", category, "message_id", id)
	return nil
}

// LogNotifier writes notices to the log when no mail provider is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("service", "LogNotifier")}
}

func (n *LogNotifier) NotifyDraftHeld(_ context.Context, d autopost.DraftNotice) error {
	n.log.Warn("draft held for review", "market", d.Market, "slug", d.Slug, "score", d.Score, "issues", d.Issues, "admin_link", d.AdminLink)
	return nil
}

func (n *LogNotifier) NotifyFailure(_ context.Context, f autopost.FailureNotice) error {
	n.log.Error("autopost run failed", "market", f.Market, "kind", string(f.Kind), "stage", f.Stage, "message", f.Message)
	return nil
}
