// Package notify pushes operator alerts out of the core. The only alert
// today is the organization-wide daily budget overrun, posted to Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
	"github.com/velvetclaw/missionctl/internal/usage"
)

// SlackConfig configures the budget alert channel.
type SlackConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Token   string `json:"token" envconfig:"SLACK_TOKEN"`
	Channel string `json:"channel" envconfig:"SLACK_CHANNEL"`
}

// SlackNotifier posts budget alerts to a Slack channel.
type SlackNotifier struct {
	cfg SlackConfig
	api *slack.Client

	lastAlertDay string // YYYY-MM-DD of the last alert, to avoid repeats
}

// NewSlackNotifier creates a notifier. Returns nil when disabled so callers
// can skip wiring it.
func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	if !cfg.Enabled || cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &SlackNotifier{cfg: cfg, api: slack.New(cfg.Token)}
}

// BudgetAlert posts one overrun message.
func (n *SlackNotifier) BudgetAlert(ctx context.Context, spentUSD, budgetUSD float64) error {
	text := fmt.Sprintf(":rotating_light: Org daily spend $%.2f exceeds budget $%.2f", spentUSD, budgetUSD)
	_, _, err := n.api.PostMessageContext(ctx, n.cfg.Channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	return nil
}

// Watch polls the usage aggregator and raises at most one budget alert per
// day. Blocks until the context is cancelled.
func (n *SlackNotifier) Watch(ctx context.Context, agg *usage.Aggregator, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			day := now.UTC().Format("2006-01-02")
			if day == n.lastAlertDay {
				continue
			}
			spent, over, err := agg.OverDailyBudget(ctx, now)
			if err != nil {
				slog.Warn("budget check failed", "error", err)
				continue
			}
			if !over {
				continue
			}
			if err := n.BudgetAlert(ctx, spent, agg.DailyBudgetUSD()); err != nil {
				slog.Warn("budget alert delivery failed", "error", err)
				continue
			}
			n.lastAlertDay = day
		}
	}
}
