package email

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type captureSender struct {
	sent []*gomail.Message
	err  error
}

func (c *captureSender) DialAndSend(m ...*gomail.Message) error {
	c.sent = append(c.sent, m...)
	return c.err
}

func TestSendWelcome(t *testing.T) {
	capture := &captureSender{}
	svc := &smtpService{
		cfg:    Config{From: "noreply@h.com", LoginURL: "https://records.h.com/login"},
		dialer: capture,
		logger: zerolog.Nop(),
	}

	require.NoError(t, svc.SendWelcome(context.Background(), "doc@h.com", "Dr. Who"))
	require.Len(t, capture.sent, 1)

	msg := capture.sent[0]
	assert.Equal(t, []string{"doc@h.com"}, msg.GetHeader("To"))
	assert.Equal(t, []string{"noreply@h.com"}, msg.GetHeader("From"))

	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Dr. Who")
	assert.Equal(t, []string{"Your account is ready"}, msg.GetHeader("Subject"))
}

func TestSendWrapsDialerError(t *testing.T) {
	svc := &smtpService{dialer: &captureSender{err: errors.New("refused")}, logger: zerolog.Nop()}

	err := svc.SendCustom(context.Background(), "a@h.com", "hi", "body")
	assert.ErrorContains(t, err, "refused")
}

func TestSendHonoursCancelledContext(t *testing.T) {
	capture := &captureSender{}
	svc := &smtpService{dialer: capture, logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, svc.SendCustom(ctx, "a@h.com", "hi", "body"), context.Canceled)
	assert.Empty(t, capture.sent)
}
