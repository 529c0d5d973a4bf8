// Package telegram is an optional sink that pushes IMMEDIATE decisions to a
// configured chat, so urgent notifications reach the user without an open
// stream connection.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/sift/internal/hub"
	"github.com/user/sift/internal/types"
)

const maxTelegramMessage = 4096

// Sender is the slice of the bot API the notifier uses, narrowed so tests
// can substitute a fake.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier subscribes to the hub and forwards IMMEDIATE decisions.
type Notifier struct {
	bot    Sender
	hub    *hub.Hub
	chatID int64
	logger *slog.Logger

	subID types.SubscriberID
	done  chan struct{}
}

// New creates a Notifier backed by the Telegram bot API.
func New(token string, chatID int64, h *hub.Hub, logger *slog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return NewWithSender(bot, chatID, h, logger), nil
}

// NewWithSender creates a Notifier with an explicit sender.
func NewWithSender(bot Sender, chatID int64, h *hub.Hub, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		bot:    bot,
		hub:    h,
		chatID: chatID,
		logger: logger.With("component", "telegram"),
	}
}

// Start subscribes to the hub and forwards matching events until the context
// ends or the hub closes.
func (n *Notifier) Start(ctx context.Context) {
	id, ch := n.hub.Subscribe()
	n.subID = id
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-ch:
				if !open {
					return
				}
				n.handle(ev)
			}
		}
	}()
}

// Stop unsubscribes and waits for the forwarding loop to exit.
func (n *Notifier) Stop() {
	n.hub.Unsubscribe(n.subID)
	if n.done != nil {
		<-n.done
	}
}

func (n *Notifier) handle(ev types.ResultEvent) {
	if ev.Notification == nil || ev.Notification.Classification == nil {
		return
	}
	if ev.Notification.Classification.Decision != types.CategoryImmediate {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, formatAlert(ev.Notification))
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("telegram send failed", "notification", ev.Notification.ID, "error", err)
	}
}

func formatAlert(c *types.Classified) string {
	d := c.Classification

	var sb strings.Builder
	subject := c.Subject
	if subject == "" {
		subject = c.ID
	}
	fmt.Fprintf(&sb, "🔔 IMMEDIATE: %s\n", subject)
	if c.Sender != "" {
		fmt.Fprintf(&sb, "From: %s (%s)\n", c.Sender, c.Source)
	}
	fmt.Fprintf(&sb, "Urgency %d/10, importance %d/10\n", d.UrgencyScore, d.ImportanceScore)
	if d.Reasoning != "" {
		fmt.Fprintf(&sb, "Why: %s\n", d.Reasoning)
	}
	if d.SuggestedAction != "" {
		fmt.Fprintf(&sb, "Action: %s", d.SuggestedAction)
	}

	text := strings.TrimSpace(sb.String())
	if len(text) > maxTelegramMessage {
		// Back off to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := maxTelegramMessage
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
