// Package notify pushes workflow outcome notifications to Telegram.
// It listens on the event bus for run completion and failure events
// and forwards a short summary to the configured chat.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/natsbus"
)

const maxMessageLen = 4096

type Notifier struct {
	bot    *telego.Bot
	chatID int64
	client *natsbus.Client
	sub    *nats.Subscription
}

func New(cfg config.TelegramConfig, bus *natsbus.Bus) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return nil, fmt.Errorf("notifier nats client: %w", err)
	}

	return &Notifier{bot: bot, chatID: cfg.ChatID, client: client}, nil
}

// Start subscribes to run events. Notifications are sent until Close.
func (n *Notifier) Start() error {
	sub, err := n.client.Subscribe(natsbus.TopicEventsRuns, n.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe run events: %w", err)
	}
	n.sub = sub
	slog.Info("notifier started", "chat_id", n.chatID)
	return nil
}

func (n *Notifier) Close() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if n.client != nil {
		n.client.Close()
	}
}

type runEvent struct {
	Type  string         `json:"type"`
	RunID string         `json:"run_id"`
	Data  map[string]any `json:"data"`
}

func (n *Notifier) handleEvent(msg *nats.Msg) {
	var ev runEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}

	text := formatEvent(ev)
	if text == "" {
		return
	}

	if err := n.SendMessage(context.Background(), text); err != nil {
		slog.Error("failed to send notification", "run", ev.RunID, "error", err)
	}
}

// formatEvent renders a notification for terminal run events. Stage and
// task level events return "" and are not forwarded.
func formatEvent(ev runEvent) string {
	switch ev.Type {
	case "run_completed":
		name, _ := ev.Data["name"].(string)
		results, _ := ev.Data["results"].(float64)
		return fmt.Sprintf("✅ Workflow %s completed (run %s, %d results)", name, ev.RunID, int(results))
	case "run_failed":
		name, _ := ev.Data["name"].(string)
		errMsg, _ := ev.Data["error"].(string)
		return fmt.Sprintf("❌ Workflow %s failed (run %s): %s", name, ev.RunID, errMsg)
	default:
		return ""
	}
}

func (n *Notifier) SendMessage(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
