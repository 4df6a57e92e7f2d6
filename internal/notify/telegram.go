package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/metrics"
	"github.com/intelpipe/backend/internal/storage/models"
	"github.com/intelpipe/backend/pkg/config"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/utils"
)

// Bot is the part of the Telegram API the notifier uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

// Telegram pushes severe items to one chat.
type Telegram struct {
	bot      Bot
	chatID   int64
	minLevel models.ThreatLevel
}

// NewTelegram logs in with the configured bot token.
func NewTelegram(cfg config.TelegramConfig, client *http.Client) (*Telegram, error) {
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("Telegram notifier ready", zap.String("bot", bot.Self.UserName), zap.Int64("chat_id", cfg.ChatID))
	return NewTelegramWithBot(&botWrapper{bot: bot}, cfg.ChatID, cfg.MinLevel), nil
}

// NewTelegramWithBot builds a notifier around an existing bot. An unknown
// minLevel falls back to HIGH.
func NewTelegramWithBot(bot Bot, chatID int64, minLevel string) *Telegram {
	level := models.ParseThreatLevel(minLevel)
	if level == models.ThreatUnknown {
		level = models.ThreatHigh
	}
	return &Telegram{bot: bot, chatID: chatID, minLevel: level}
}

// Notify sends entry when its threat level reaches the configured minimum.
func (t *Telegram) Notify(ctx context.Context, entry models.AssessedItem) error {
	if !entry.Assessment.ThreatLevel.AtLeast(t.minLevel) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatMessage(entry))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		metrics.NotificationsSent.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	metrics.NotificationsSent.WithLabelValues("sent").Inc()
	logger.Debug("Alert sent", zap.String("item_id", entry.Item.ID), zap.String("threat_level", string(entry.Assessment.ThreatLevel)))
	return nil
}

// FormatMessage renders an alert as Telegram HTML.
func FormatMessage(entry models.AssessedItem) string {
	item, a := entry.Item, entry.Assessment

	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s]</b> %s\n", html.EscapeString(string(a.ThreatLevel)), html.EscapeString(utils.Truncate(item.Title, 300)))
	fmt.Fprintf(&b, "<i>%s</i>", html.EscapeString(item.Source))
	if !item.PublishedAt.IsZero() {
		fmt.Fprintf(&b, " · %s", item.PublishedAt.UTC().Format("2006-01-02"))
	}
	b.WriteString("\n")
	if a.Rationale != "" {
		b.WriteString("\n" + html.EscapeString(utils.Truncate(a.Rationale, 600)) + "\n")
	}
	if n := len(item.Indicators); n > 0 {
		fmt.Fprintf(&b, "\nIndicators: %d\n", n)
	}
	if item.Link != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">source</a>", html.EscapeString(item.Link))
	}
	return b.String()
}
