package modem

import (
	"context"
	"fmt"
	"strings"

	"github.com/crosline/fleetd/at"
)

// SendSMS sends a text message to the specified recipient.
//
// The message is sent in text mode (not PDU mode). The recipient should be
// in international format (e.g., "+1234567890").
//
// This method blocks until the message is accepted by the network or an error
// occurs. Network delivery (to the final recipient) happens asynchronously.
func (m *Modem) SendSMS(ctx context.Context, recipient, message string) error {
	// The initial CMGS exchange ends at the "> " prompt.
	resp, err := m.exec(ctx, fmt.Sprintf(`AT+CMGS="%s"`, recipient))
	if err != nil {
		return fmt.Errorf("AT+CMGS command failed: %w", err)
	}
	if !strings.Contains(resp, at.Prompt) {
		return fmt.Errorf("did not receive SMS prompt, got: %q", resp)
	}

	// The body terminated by Ctrl-Z is its own exchange; the network
	// round-trip needs the long timeout.
	resp, err = m.execTimeout(ctx, message+at.CtrlZ, m.config.SendTimeout)
	if err != nil {
		return fmt.Errorf("SMS send failed: %w", err)
	}
	if !strings.Contains(resp, at.OK) {
		return fmt.Errorf("unexpected SMS response: %s", resp)
	}
	return nil
}

// ListUnread returns the messages currently stored as "REC UNREAD".
func (m *Modem) ListUnread(ctx context.Context) ([]at.SMSEntry, error) {
	resp, err := m.exec(ctx, at.CmdListUnread)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	return at.ParseCMGL(resp), nil
}

// DeleteMessage removes the message at the given storage index so that it
// is never delivered again by a subsequent list.
func (m *Modem) DeleteMessage(ctx context.Context, index int) error {
	if _, err := m.exec(ctx, fmt.Sprintf("AT+CMGD=%d", index)); err != nil {
		return fmt.Errorf("delete message %d: %w", index, err)
	}
	return nil
}
