package notifier

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

type TelegramConfig struct {
	Token string
	// Chats maps audience keys (user IDs) to chat IDs. A numeric audience
	// key without an entry is used as the chat ID directly.
	Chats map[string]int64
}

// sender is the part of *tele.Bot the notifier uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Telegram struct {
	bot   sender
	chats map[string]int64
	log   logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newTelegram(b, cfg.Chats, log), nil
}

func newTelegram(b sender, chats map[string]int64, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := make(map[string]int64, len(chats))
	for k, v := range chats {
		m[strings.TrimSpace(k)] = v
	}
	return &Telegram{bot: b, chats: m, log: log.With(logx.String("comp", "notifier.telegram"))}
}

func (t *Telegram) Send(ctx context.Context, audienceKey string, msg Message, meta map[string]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	chatID, err := t.chatFor(audienceKey)
	if err != nil {
		return false, engine.NoRetry(err)
	}

	_, err = t.bot.Send(tele.ChatID(chatID), render(msg), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return false, classify(err)
	}
	t.log.Debug("telegram notification sent", logx.String("audience", audienceKey), logx.Int64("chat_id", chatID), logx.String("job", meta[MetaJobName]))
	return true, nil
}

func (t *Telegram) chatFor(audienceKey string) (int64, error) {
	key := strings.TrimSpace(audienceKey)
	if id, ok := t.chats[key]; ok {
		return id, nil
	}
	if id, err := strconv.ParseInt(key, 10, 64); err == nil && id != 0 {
		return id, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAudience, audienceKey)
}

func render(msg Message) string {
	title := strings.TrimSpace(msg.Title)
	body := strings.TrimSpace(msg.Body)
	switch {
	case title == "":
		return html.EscapeString(body)
	case body == "":
		return "<b>" + html.EscapeString(title) + "</b>"
	}
	return "<b>" + html.EscapeString(title) + "</b>\n" + html.EscapeString(body)
}

// classify maps Telegram API errors onto the retry policy: flood limits carry
// their retry delay, and chats that can never receive the message do not
// retry at all.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return engine.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrChatNotFound):
		return engine.NoRetry(err)
	}
	return err
}
