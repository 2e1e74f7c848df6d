package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joelkehle/foodguide-autopost/internal/logger"
)

type Config struct {
	APIKey    string
	BaseURL   string
	FromEmail string
	FromName  string
	Timeout   time.Duration
	// MaxRetries bounds resends on 429 and 5xx responses.
	MaxRetries int
}

type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type Email struct {
	To      []EmailAddress
	Subject string
	Text    string
	HTML    string
	// Categories tag the message in the SendGrid activity feed.
	Categories []string
}

// SendGrid is a minimal client for the v3 mail send endpoint.
type SendGrid struct {
	cfg        Config
	http       *http.Client
	log        *logger.Logger
	backoff    time.Duration
	maxRetries int
}

func NewSendGrid(cfg Config, log *logger.Logger) (*SendGrid, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing SENDGRID_API_KEY")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, errors.New("missing SENDGRID_FROM_EMAIL")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &SendGrid{
		cfg:        cfg,
		http:       &http.Client{Timeout: cfg.Timeout},
		log:        log.With("client", "SendGrid"),
		backoff:    time.Second,
		maxRetries: cfg.MaxRetries,
	}, nil
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             EmailAddress      `json:"from"`
	Subject          string            `json:"subject"`
	Content          []mailContent     `json:"content"`
	Categories       []string          `json:"categories,omitempty"`
}

type personalization struct {
	To []EmailAddress `json:"to"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type errorItem struct {
	Message string `json:"message"`
	Field   any    `json:"field,omitempty"`
}

type HTTPError struct {
	StatusCode int
	Body       string
	Errors     []errorItem
}

func (e *HTTPError) Error() string {
	if len(e.Errors) > 0 && strings.TrimSpace(e.Errors[0].Message) != "" {
		return fmt.Sprintf("sendgrid http %d: %s", e.StatusCode, e.Errors[0].Message)
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("sendgrid http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Send delivers one message and returns the SendGrid message id.
func (c *SendGrid) Send(ctx context.Context, m Email) (string, error) {
	if len(m.To) == 0 {
		return "", errors.New("sendgrid: To required")
	}
	if strings.TrimSpace(m.Subject) == "" {
		return "", errors.New("sendgrid: Subject required")
	}
	var contents []mailContent
	if t := strings.TrimSpace(m.Text); t != "" {
		contents = append(contents, mailContent{Type: "text/plain", Value: t})
	}
	if h := strings.TrimSpace(m.HTML); h != "" {
		contents = append(contents, mailContent{Type: "text/html", Value: h})
	}
	if len(contents) == 0 {
		return "", errors.New("sendgrid: Text or HTML content required")
	}
	wire := mailSendRequest{
		Personalizations: []personalization{{To: m.To}},
		From:             EmailAddress{Email: c.cfg.FromEmail, Name: c.cfg.FromName},
		Subject:          strings.TrimSpace(m.Subject),
		Content:          contents,
		Categories:       m.Categories,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}

	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, body)
		if err == nil {
			return strings.TrimSpace(resp.Header.Get("X-Message-Id")), nil
		}
		var he *HTTPError
		if !errors.As(err, &he) || !he.retryable() || attempt >= c.maxRetries {
			return "", err
		}
		c.log.Warn("sendgrid request retrying", "attempt", attempt+1, "max_retries", c.maxRetries, "error", err.Error())
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *SendGrid) doOnce(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		he := &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
		var er struct {
			Errors []errorItem `json:"errors"`
		}
		if json.Unmarshal(raw, &er) == nil {
			he.Errors = er.Errors
		}
		return nil, he
	}
	return resp, nil
}
