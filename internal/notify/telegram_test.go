package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	telebot "gopkg.in/telebot.v3"

	"github.com/mxi-app/mxi-core/internal/domain"
	"github.com/mxi-app/mxi-core/internal/i18n"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	sent    []string
	sendErr error
}

func (s *fakeSender) Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}

	text, _ := what.(string)
	s.sent = append(s.sent, text)
	return &telebot.Message{}, nil
}

func loadTranslator(t *testing.T) i18n.Translator {
	t.Helper()

	manager, err := i18n.LoadFromDir("../i18n/locales", "es")
	require.NoError(t, err)
	return manager.Translator("es")
}

func TestNotifier_ForwardsSelectedKinds(t *testing.T) {
	sender := &fakeSender{}
	n := NewWithSender(sender, 100, loadTranslator(t), testLogger())

	event := domain.PushEvent{
		PrincipalID: "principal-1",
		Kind:        domain.EventPaymentConfirmed,
		Message:     "Pago de 100 MXI confirmado",
	}
	n.Notify(context.Background(), event)

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0], "Pago confirmado")
	assert.Contains(t, sender.sent[0], "principal-1")
	assert.Contains(t, sender.sent[0], "Pago de 100 MXI confirmado")
}

func TestNotifier_SkipsUIOnlyKinds(t *testing.T) {
	sender := &fakeSender{}
	n := NewWithSender(sender, 100, loadTranslator(t), testLogger())

	for _, kind := range []domain.EventKind{
		domain.EventBalanceUpdated,
		domain.EventUserUpdated,
		domain.EventCommissionEarned,
		domain.EventAmbassadorLevelUpdated,
	} {
		n.Notify(context.Background(), domain.PushEvent{Kind: kind})
	}

	assert.Empty(t, sender.sent)
}

func TestNotifier_SendFailureIsSwallowed(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("telegram down")}
	n := NewWithSender(sender, 100, loadTranslator(t), testLogger())

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), domain.PushEvent{Kind: domain.EventAdminMessage})
	})
}

func TestNotifier_NilReceiverIsSafe(t *testing.T) {
	var n *TelegramNotifier
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), domain.PushEvent{Kind: domain.EventAdminMessage})
	})
}
