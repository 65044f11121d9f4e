// Package notify forwards selected push events to the operations Telegram
// channel: admin broadcasts, confirmed payments, withdrawal and KYC status
// changes. Everything else is UI-only and skipped.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	telebot "gopkg.in/telebot.v3"

	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/internal/i18n"
)

var forwardedKinds = map[domain.EventKind]string{
	domain.EventAdminMessage:            "notify.admin_message",
	domain.EventPaymentConfirmed:        "notify.payment_confirmed",
	domain.EventWithdrawalStatusChanged: "notify.withdrawal_status",
	domain.EventKYCStatusChanged:        "notify.kyc_status",
}

// Sender is the slice of the Telegram bot the notifier needs.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// TelegramNotifier posts event summaries to a fixed chat.
type TelegramNotifier struct {
	bot        Sender
	chat       *telebot.Chat
	translator i18n.Translator
	log        *slog.Logger
}

// NewTelegramNotifier connects to the Telegram API with the given token.
// Returns an error when the token is rejected.
func NewTelegramNotifier(token string, chatID int64, translator i18n.Translator, log *slog.Logger) (*TelegramNotifier, error) {
	if log == nil {
		log = slog.Default()
	}

	bot, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}

	return &TelegramNotifier{
		bot:        bot,
		chat:       &telebot.Chat{ID: chatID},
		translator: translator,
		log:        log,
	}, nil
}

// NewWithSender builds a notifier over an existing sender. Used by tests.
func NewWithSender(sender Sender, chatID int64, translator i18n.Translator, log *slog.Logger) *TelegramNotifier {
	if log == nil {
		log = slog.Default()
	}

	return &TelegramNotifier{
		bot:        sender,
		chat:       &telebot.Chat{ID: chatID},
		translator: translator,
		log:        log,
	}
}

// Notify forwards the event when its kind is in the forwarded set. Send
// failures are logged and swallowed: notification is best-effort and must
// never block reconciliation.
func (n *TelegramNotifier) Notify(ctx context.Context, event domain.PushEvent) {
	if n == nil || n.bot == nil {
		return
	}

	titleKey, ok := forwardedKinds[event.Kind]
	if !ok {
		return
	}

	title := titleKey
	if n.translator != nil {
		title = n.translator.T(titleKey)
	}

	text := fmt.Sprintf("%s\nprincipal: %s", title, event.PrincipalID)
	if event.Message != "" {
		text = fmt.Sprintf("%s\n%s", text, event.Message)
	}

	if _, err := n.bot.Send(n.chat, text); err != nil {
		n.log.Warn("telegram notification failed",
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
	}
}
