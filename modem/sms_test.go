package modem_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/crosline/fleetd/at"
	"github.com/crosline/fleetd/modem"
)

func TestSendSMS(t *testing.T) {
	// This test verifies that SendSMS correctly implements the
	// AT command protocol sequence for sending SMS messages:
	//
	//  1. Write: AT+CMGS="+1234567890"\r
	//  2. Read:  "> " (wait for prompt)
	//  3. Write: "Hello World\x1a\r" (only after receiving prompt)
	//  4. Read:  "+CMGS: 123\r\nOK\r\n" (wait for confirmation)
	//
	// This sequence must be strictly ordered - writing the message body before
	// receiving the prompt will fail with real modem hardware. The reads are
	// gated on coordination channels because the loop's reader goroutine can
	// issue reads at unpredictable times.
	t.Run("Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		ctx := context.Background()
		m, err := modem.New(ctx, config)
		if err != nil {
			t.Fatalf("failed to create modem: %v", err)
		}
		defer m.Close()

		go func() {
			if err := m.Loop(ctx); err != nil && err != context.Canceled && err != io.EOF {
				t.Errorf("modem loop error: %v", err)
			}
		}()

		allowRead := make(chan struct{})
		allowEOF := make(chan struct{})

		mockTransport.EXPECT().Write([]byte(`AT+CMGS="+1234567890"` + "\r"))
		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, "> "), nil
		})
		mockTransport.EXPECT().Write([]byte("Hello World\x1a\r")).Do(func([]byte) {
			close(allowRead)
		})
		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			<-allowRead
			return copy(p, "+CMGS: 123\r\nOK\r\n"), nil
		})
		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			<-allowEOF
			return 0, io.EOF
		})
		mockTransport.EXPECT().Close().Return(nil)

		err = m.SendSMS(ctx, "+1234567890", "Hello World")
		close(allowEOF)
		if err != nil && !errors.Is(err, io.EOF) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Error on no prompt", func(t *testing.T) {
		m, _ := newScriptedModem(t, func(cmd string) string {
			if strings.HasPrefix(cmd, "AT+CMGS=") {
				return "\r\nERROR\r\n"
			}
			return okResponder(cmd)
		})

		err := m.SendSMS(context.Background(), "+1234567890", "Hello World")
		if err == nil {
			t.Error("expected error when modem rejects CMGS")
		}
	})

	t.Run("Error on final response without prompt", func(t *testing.T) {
		m, _ := newScriptedModem(t, func(cmd string) string {
			if strings.HasPrefix(cmd, "AT+CMGS=") {
				return "\r\nOK\r\n"
			}
			return okResponder(cmd)
		})

		err := m.SendSMS(context.Background(), "+1234567890", "Hello World")
		if err == nil || !strings.Contains(err.Error(), "prompt") {
			t.Errorf("expected missing prompt error, got: %v", err)
		}
	})
}

func TestListUnread(t *testing.T) {
	t.Run("Parses stored messages", func(t *testing.T) {
		payload := "\r\n+CMGL: 1,\"REC UNREAD\",\"+998901234567\",,\"24/06/01,10:15:30+20\"\r\n" +
			"Перевод 50000 UZS\r\n" +
			"+CMGL: 3,\"REC UNREAD\",\"900\",,\"24/06/01,10:16:00+20\"\r\n" +
			"Balance low\r\n" +
			"\r\nOK\r\n"
		m, _ := newScriptedModem(t, func(cmd string) string {
			if cmd == at.CmdListUnread {
				return payload
			}
			return okResponder(cmd)
		})

		entries, err := m.ListUnread(context.Background())
		if err != nil {
			t.Fatalf("unexpected error from ListUnread(): %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 messages, got %d: %+v", len(entries), entries)
		}
		if entries[0].Index != 1 || entries[0].Sender != "+998901234567" {
			t.Errorf("unexpected first entry: %+v", entries[0])
		}
		if entries[0].Body != "Перевод 50000 UZS" {
			t.Errorf("unexpected first body: %q", entries[0].Body)
		}
		if entries[1].Index != 3 || entries[1].Sender != "900" {
			t.Errorf("unexpected second entry: %+v", entries[1])
		}
	})

	t.Run("Empty storage", func(t *testing.T) {
		m, _ := newScriptedModem(t, okResponder)

		entries, err := m.ListUnread(context.Background())
		if err != nil {
			t.Fatalf("unexpected error from ListUnread(): %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected no messages, got %d", len(entries))
		}
	})
}

func TestDeleteMessage(t *testing.T) {
	m, transport := newScriptedModem(t, okResponder)

	if err := m.DeleteMessage(context.Background(), 3); err != nil {
		t.Fatalf("unexpected error from DeleteMessage(): %v", err)
	}
	if n := transport.WroteCommand("AT+CMGD=3"); n != 1 {
		t.Errorf("expected one delete command, got %d", n)
	}
}
