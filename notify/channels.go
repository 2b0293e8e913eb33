package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultLINEBaseURL     = "https://api.line.me"
	defaultChatworkBaseURL = "https://api.chatwork.com"

	slackMaxText = 3000
	lineMaxText  = 5000
)

// SlackConfig configures an incoming-webhook notifier.
type SlackConfig struct {
	WebhookURL string
	HTTPClient *http.Client
}

// Slack posts to a Slack incoming webhook. The webhook fixes the channel,
// so Message.Target is ignored.
type Slack struct {
	config SlackConfig
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Slack{config: cfg}
}

// Notify posts msg.Text to the webhook.
func (s *Slack) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{"text": truncate(msg.Text, slackMaxText)})
	if err != nil {
		return fmt.Errorf("slack: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return send(s.config.HTTPClient, req, "slack")
}

// LINEConfig configures a LINE Messaging API push notifier.
type LINEConfig struct {
	ChannelToken string
	BaseURL      string
	HTTPClient   *http.Client
}

// LINE pushes a text message to a LINE user, group or room.
type LINE struct {
	config LINEConfig
}

// NewLINE creates a LINE notifier.
func NewLINE(cfg LINEConfig) *LINE {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultLINEBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &LINE{config: cfg}
}

type linePush struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Notify pushes msg.Text to msg.Target.
func (l *LINE) Notify(ctx context.Context, msg Message) error {
	if msg.Target == "" {
		return fmt.Errorf("line: missing push target")
	}
	body, err := json.Marshal(linePush{
		To:       msg.Target,
		Messages: []lineMessage{{Type: "text", Text: truncate(msg.Text, lineMaxText)}},
	})
	if err != nil {
		return fmt.Errorf("line: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.config.BaseURL+"/v2/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.config.ChannelToken)
	return send(l.config.HTTPClient, req, "line")
}

// ChatworkConfig configures a Chatwork room notifier.
type ChatworkConfig struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
}

// Chatwork posts a message to a Chatwork room.
type Chatwork struct {
	config ChatworkConfig
}

// NewChatwork creates a Chatwork notifier.
func NewChatwork(cfg ChatworkConfig) *Chatwork {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultChatworkBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Chatwork{config: cfg}
}

// Notify posts msg.Text into room msg.Target.
func (c *Chatwork) Notify(ctx context.Context, msg Message) error {
	if msg.Target == "" {
		return fmt.Errorf("chatwork: missing room id")
	}
	form := url.Values{"body": {msg.Text}}
	endpoint := c.config.BaseURL + "/v2/rooms/" + url.PathEscape(msg.Target) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("chatwork: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-ChatWorkToken", c.config.Token)
	return send(c.config.HTTPClient, req, "chatwork")
}

func send(client *http.Client, req *http.Request, name string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: API error (status %d): %s", name, resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
