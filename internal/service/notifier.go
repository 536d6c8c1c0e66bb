package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/opsboard/analyzer/internal/domain"
	"github.com/opsboard/analyzer/internal/logger"
)

// DeliveryResult reports the outcome of one dispatch.
type DeliveryResult struct {
	Channel      string    `json:"channel"`
	Deduplicated bool      `json:"deduplicated"`
	StatusCode   int       `json:"status_code"`
	DeliveredAt  time.Time `json:"delivered_at"`
}

// NotifierConfig holds configuration for the notification dispatcher.
type NotifierConfig struct {
	// Webhooks maps channel names to Teams-style incoming webhook URLs.
	Webhooks map[string]string
	Timeout  time.Duration
	DedupTTL time.Duration
}

// Notifier delivers generated report content to a Teams-style webhook
// channel. Callers attach a deduplication token so a retried dispatch
// after a lost acknowledgement cannot post the same message twice.
type Notifier struct {
	client   *resty.Client
	webhooks map[string]string
	ttl      time.Duration
	logger   *logger.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewNotifier creates a new notification dispatcher.
func NewNotifier(cfg *NotifierConfig, log *logger.Logger) *Notifier {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Notifier{
		client:   client,
		webhooks: cfg.Webhooks,
		ttl:      ttl,
		logger:   log,
		sent:     make(map[string]time.Time),
	}
}

// teamsCard is the MessageCard payload accepted by Teams incoming webhooks.
type teamsCard struct {
	Type       string        `json:"@type"`
	Context    string        `json:"@context"`
	ThemeColor string        `json:"themeColor"`
	Title      string        `json:"title"`
	Text       string        `json:"text"`
	Sections   []teamsFacts  `json:"sections,omitempty"`
}

type teamsFacts struct {
	Facts []teamsFact `json:"facts,omitempty"`
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Send delivers a message to the named channel, tagging recipients when
// requested. The dedup token is remembered once the request has gone out;
// only an unambiguous upstream rejection clears it, so a retry after a
// timeout (where the first attempt may have landed) is suppressed rather
// than posted twice.
func (n *Notifier) Send(ctx context.Context, channel, title, text string, recipients []string, tag bool, dedupToken string) (*DeliveryResult, error) {
	url, ok := n.webhooks[channel]
	if !ok {
		return nil, &domain.DispatchError{Channel: channel, Err: fmt.Errorf("no webhook configured")}
	}

	if dedupToken != "" && n.alreadySent(dedupToken) {
		n.logger.WithField("dedup_token", dedupToken).Info("Dispatch suppressed by dedup token")
		return &DeliveryResult{Channel: channel, Deduplicated: true}, nil
	}

	body := text
	if tag && len(recipients) > 0 {
		mentions := make([]string, 0, len(recipients))
		for _, r := range recipients {
			mentions = append(mentions, "<at>"+r+"</at>")
		}
		body = strings.Join(mentions, " ") + "\n\n" + body
	}

	card := teamsCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: "0076D7",
		Title:      title,
		Text:       body,
	}

	if dedupToken != "" {
		n.markSent(dedupToken)
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(card).
		Post(url)
	if err != nil {
		// Token stays recorded: the request may have landed upstream.
		return nil, &domain.DispatchError{Channel: channel, Err: err}
	}
	if resp.IsError() {
		// Unambiguous rejection: clear the token so a retry can post.
		if dedupToken != "" {
			n.clearSent(dedupToken)
		}
		return nil, &domain.DispatchError{Channel: channel, Err: fmt.Errorf("webhook returned %d", resp.StatusCode())}
	}

	return &DeliveryResult{
		Channel:     channel,
		StatusCode:  resp.StatusCode(),
		DeliveredAt: time.Now(),
	}, nil
}

// Channels returns the configured channel names.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.webhooks))
	for name := range n.webhooks {
		names = append(names, name)
	}
	return names
}

// HasChannel reports whether a channel name is configured.
func (n *Notifier) HasChannel(name string) bool {
	_, ok := n.webhooks[name]
	return ok
}

func (n *Notifier) alreadySent(token string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	at, ok := n.sent[token]
	if !ok {
		return false
	}
	if time.Since(at) > n.ttl {
		delete(n.sent, token)
		return false
	}
	return true
}

func (n *Notifier) markSent(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	for t, at := range n.sent {
		if now.Sub(at) > n.ttl {
			delete(n.sent, t)
		}
	}
	n.sent[token] = now
}

func (n *Notifier) clearSent(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sent, token)
}
