package notify

import (
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/courier/config"
)

// NewRouterFromConfig registers a notifier for every platform that has
// credentials in cfg. Everything else, including cli sources, goes to the
// log.
func NewRouterFromConfig(cfg config.NotifyConfig, logger *slog.Logger) *Router {
	client := &http.Client{Timeout: cfg.Timeout}
	r := NewRouter(NewLog(logger))
	if cfg.SlackWebhookURL != "" {
		r.Handle("slack", NewSlack(SlackConfig{WebhookURL: cfg.SlackWebhookURL, HTTPClient: client}))
	}
	if cfg.LINEChannelToken != "" {
		r.Handle("line", NewLINE(LINEConfig{ChannelToken: cfg.LINEChannelToken, HTTPClient: client}))
	}
	if cfg.ChatworkToken != "" {
		r.Handle("chatwork", NewChatwork(ChatworkConfig{Token: cfg.ChatworkToken, HTTPClient: client}))
	}
	return r
}
