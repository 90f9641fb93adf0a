package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"meetbell/internal/alert"
	appLog "meetbell/internal/log"
)

const (
	callbackSnooze = "snz:"
	callbackAck    = "ack:"

	// rememberedDeliveries bounds how many sent messages keep working buttons.
	rememberedDeliveries = 128
)

// Bot is the part of *tgbotapi.BotAPI the sink uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewBot authorizes against the Telegram Bot API.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	appLog.Info("telegram authorized", "bot", api.Self.UserName)
	return api, nil
}

// TelegramSink sends deliveries to one chat with snooze and acknowledge
// buttons. Button presses come back through Listen as Commands.
type TelegramSink struct {
	bot      Bot
	chatID   int64
	location *time.Location
	now      func() time.Time

	mu    sync.Mutex
	sent  map[string]alert.Delivery
	order []string
}

func NewTelegramSink(bot Bot, chatID int64, loc *time.Location) *TelegramSink {
	if loc == nil {
		loc = time.Local
	}
	return &TelegramSink{
		bot:      bot,
		chatID:   chatID,
		location: loc,
		now:      time.Now,
		sent:     map[string]alert.Delivery{},
	}
}

func (t *TelegramSink) Deliver(d alert.Delivery) {
	t.send(d, "", false)
}

// DeliverDowngraded sends the same message silently.
func (t *TelegramSink) DeliverDowngraded(d alert.Delivery, reason string) {
	t.send(d, reason, true)
}

func (t *TelegramSink) send(d alert.Delivery, reason string, silent bool) {
	if len(d.Alerts) == 0 {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, t.format(d, reason))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableNotification = silent
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Snooze 5m", callbackSnooze+d.ID),
			tgbotapi.NewInlineKeyboardButtonData("Got it", callbackAck+d.ID),
		),
	)

	t.remember(d)
	if _, err := t.bot.Send(msg); err != nil {
		appLog.Error("telegram send failed", err, "delivery", d.ID)
	}
}

func (t *TelegramSink) format(d alert.Delivery, reason string) string {
	esc := func(s string) string { return tgbotapi.EscapeText(tgbotapi.ModeHTML, s) }
	now := t.now()

	var b strings.Builder
	b.WriteString("<b>" + esc(headline(d)) + "</b>")
	if d.Late {
		b.WriteString(" <i>(late)</i>")
	}
	if reason != "" {
		b.WriteString("\n<i>" + esc(reason) + "</i>")
	}
	for _, a := range d.Alerts {
		b.WriteString("\n\n")
		b.WriteString("<b>" + esc(a.EventTitle) + "</b>\n")
		b.WriteString(esc(a.EventStartTime.In(t.location).Format("Mon 15:04")) + ", " + esc(startsIn(a.EventStartTime, now)))
		if a.MeetingURL != "" {
			b.WriteString(fmt.Sprintf("\n<a href=\"%s\">Join meeting</a>", esc(a.MeetingURL)))
		}
	}
	return b.String()
}

func (t *TelegramSink) remember(d alert.Delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[d.ID] = d
	t.order = append(t.order, d.ID)
	for len(t.order) > rememberedDeliveries {
		delete(t.sent, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *TelegramSink) lookup(id string) (alert.Delivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.sent[id]
	return d, ok
}

// Listen polls for button presses until ctx is done and turns them into
// commands. Presses from other chats are refused.
func (t *TelegramSink) Listen(ctx context.Context, commands chan<- Command) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	cfg.AllowedUpdates = []string{"callback_query"}
	updates := t.bot.GetUpdatesChan(cfg)
	defer t.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.CallbackQuery == nil {
				continue
			}
			cmds, answer := t.handleCallback(u.CallbackQuery)
			if _, err := t.bot.Request(tgbotapi.NewCallback(u.CallbackQuery.ID, answer)); err != nil {
				appLog.Warn("telegram callback answer failed", "err", err)
			}
			for _, c := range cmds {
				select {
				case commands <- c:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (t *TelegramSink) handleCallback(q *tgbotapi.CallbackQuery) ([]Command, string) {
	if q.Message == nil || q.Message.Chat == nil || q.Message.Chat.ID != t.chatID {
		appLog.Warn("telegram callback from unknown chat refused")
		return nil, "Not allowed"
	}

	var kind CommandKind
	var id string
	switch {
	case strings.HasPrefix(q.Data, callbackSnooze):
		kind, id = CommandSnooze, strings.TrimPrefix(q.Data, callbackSnooze)
	case strings.HasPrefix(q.Data, callbackAck):
		kind, id = CommandAck, strings.TrimPrefix(q.Data, callbackAck)
	default:
		return nil, ""
	}

	d, ok := t.lookup(id)
	if !ok {
		return nil, "This reminder has expired"
	}

	var cmds []Command
	seen := map[string]bool{}
	for _, a := range d.Alerts {
		switch kind {
		case CommandSnooze:
			cmds = append(cmds, Command{Kind: CommandSnooze, AlertID: a.ID, Duration: DefaultSnooze})
		case CommandAck:
			if seen[a.EventID] {
				continue
			}
			seen[a.EventID] = true
			cmds = append(cmds, Command{Kind: CommandAck, EventID: a.EventID})
		}
	}
	if kind == CommandSnooze {
		return cmds, "Snoozed for 5 minutes"
	}
	return cmds, "Acknowledged"
}
