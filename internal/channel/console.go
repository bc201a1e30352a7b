package channel

import (
	"context"
	"log/slog"
)

// ConsoleAdapter logs outbound traffic instead of delivering it. It claims
// every JID, so it is only useful as the sole adapter in dev installs and
// tests.
type ConsoleAdapter struct{}

// Name implements Adapter.
func (ConsoleAdapter) Name() string { return "console" }

// OwnsJID implements Adapter; the console owns everything.
func (ConsoleAdapter) OwnsJID(string) bool { return true }

// Connect implements Adapter; the console has nothing to connect.
func (ConsoleAdapter) Connect(context.Context, Events) error { return nil }

// Disconnect implements Adapter.
func (ConsoleAdapter) Disconnect() error { return nil }

// SendMessage logs the outbound text.
func (ConsoleAdapter) SendMessage(_ context.Context, jid, text string) error {
	slog.Info("console outbound", slog.String("chat_jid", jid), slog.String("text", text))
	return nil
}
