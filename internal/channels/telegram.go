package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier delivers messages through a Telegram bot. Recipients
// are chat ids, either numeric strings or names resolved through the
// configured recipient map.
type TelegramNotifier struct {
	token      string
	recipients map[string]int64

	initOnce sync.Once
	initErr  error
	bot      *tgbotapi.BotAPI

	logger *slog.Logger
}

// NewTelegramNotifier builds the adapter. The bot connection is made
// lazily on first send so a bad token surfaces as a delivery error, not
// a startup crash.
func NewTelegramNotifier(token string, recipients map[string]int64, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if recipients == nil {
		recipients = make(map[string]int64)
	}
	return &TelegramNotifier{token: token, recipients: recipients, logger: logger}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) init() error {
	t.initOnce.Do(func() {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			t.initErr = fmt.Errorf("telegram init failed: %w", err)
			return
		}
		t.bot = bot
		t.logger.Info("telegram bot connected", "user", bot.Self.UserName)
	})
	return t.initErr
}

// resolveChatID maps a recipient to a chat id: configured names first,
// then bare numeric ids.
func (t *TelegramNotifier) resolveChatID(recipient string) (int64, error) {
	if id, ok := t.recipients[recipient]; ok {
		return id, nil
	}
	id, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown telegram recipient %q", recipient)
	}
	return id, nil
}

// Send delivers one message with bounded exponential backoff on
// transient API failures.
func (t *TelegramNotifier) Send(ctx context.Context, d Delivery) error {
	if err := t.init(); err != nil {
		return err
	}
	chatID, err := t.resolveChatID(d.Recipient)
	if err != nil {
		return err
	}

	text := d.Body
	if d.Subject != "" {
		text = d.Subject + "\n\n" + d.Body
	}
	msg := tgbotapi.NewMessage(chatID, text)

	backoff := time.Second
	const maxBackoff = 8 * time.Second
	const attempts = 3

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, lastErr = t.bot.Send(msg); lastErr == nil {
			return nil
		}
		t.logger.Warn("telegram send failed, retrying",
			"tenant_id", d.TenantID, "recipient", d.Recipient, "attempt", i+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("telegram send to %s: %w", d.Recipient, lastErr)
}
