package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/slotkeeper/slotkeeper/internal/config"
)

// Urgency grades a human notification.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Message is one human-facing notification. MagicURL, when set, is the
// single-purpose link the recipient should open.
type Message struct {
	Urgency  Urgency           `json:"urgency"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	MagicURL string            `json:"magicUrl,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
}

// Notifier delivers a message over one channel.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// MultiNotifier tries channels in order until one succeeds. Delivery is best
// effort: callers log a total failure and move on.
type MultiNotifier struct {
	channels []Notifier
}

func NewMultiNotifier(channels ...Notifier) *MultiNotifier {
	return &MultiNotifier{channels: channels}
}

func (m *MultiNotifier) Name() string { return "multi" }

// Send walks the channel list; the first success wins.
func (m *MultiNotifier) Send(ctx context.Context, msg Message) error {
	if len(m.channels) == 0 {
		return fmt.Errorf("no notification channels configured")
	}

	var lastErr error
	for _, ch := range m.channels {
		if err := ch.Send(ctx, msg); err != nil {
			log.Printf("notification via %s failed, trying next channel: %v", ch.Name(), err)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all notification channels failed: %w", lastErr)
}

// DiscordNotifier posts to a Discord channel through a bot session.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscordNotifier opens a Discord session. The session is REST-only; no
// gateway connection is needed to post messages.
func NewDiscordNotifier(cfg config.NotifyConfig) (*DiscordNotifier, error) {
	if cfg.DiscordToken == "" || cfg.DiscordChannel == "" {
		return nil, fmt.Errorf("discord token and channel are required")
	}
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: cfg.DiscordChannel}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Send(_ context.Context, msg Message) error {
	content := fmt.Sprintf("[%s] **%s**\n%s", msg.Urgency, msg.Title, msg.Body)
	if msg.MagicURL != "" {
		content += "\n" + msg.MagicURL
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, content); err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

// WebhookNotifier POSTs the message as JSON to a configured endpoint.
type WebhookNotifier struct {
	url  string
	http *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the process log. Last-resort channel
// so a message is never silently dropped.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Send(_ context.Context, msg Message) error {
	log.Printf("NOTIFY [%s] %s: %s %s", msg.Urgency, msg.Title, msg.Body, msg.MagicURL)
	return nil
}
