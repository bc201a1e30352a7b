// Package channel defines the contract between the orchestrator and the
// external messaging channels. Concrete adapters (WhatsApp, Telegram, …)
// live outside this repo; the pipeline only sees these interfaces.
package channel

import (
	"context"
	"time"

	"github.com/b9b4ymiN/jellycore/internal/domain"
)

// MediaPayload is a structured send-media directive emitted by an agent.
type MediaPayload struct {
	Kind    string `json:"kind"` // image, audio, document
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
}

// Events are the callbacks an adapter invokes on inbound traffic.
type Events struct {
	OnMessage      func(chatJID string, msg domain.Message)
	OnChatMetadata func(chatJID string, ts time.Time, name string)
}

// Adapter is one messaging channel connection.
type Adapter interface {
	Name() string
	// OwnsJID reports whether this adapter routes the given chat JID.
	OwnsJID(jid string) bool
	Connect(ctx context.Context, events Events) error
	Disconnect() error
	SendMessage(ctx context.Context, jid, text string) error
}

// PayloadSender is implemented by adapters that can ship media.
type PayloadSender interface {
	SendPayload(ctx context.Context, jid string, payload MediaPayload) error
}

// TypingSetter is implemented by adapters that expose a typing indicator.
type TypingSetter interface {
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// Registry routes outbound calls to the adapter owning each JID.
type Registry struct {
	adapters []Adapter
}

// NewRegistry builds a registry over the configured adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// ForJID returns the adapter owning a chat JID, or nil.
func (r *Registry) ForJID(jid string) Adapter {
	for _, a := range r.adapters {
		if a.OwnsJID(jid) {
			return a
		}
	}
	return nil
}

// SendMessage routes a text send; unknown JIDs are dropped with an error.
func (r *Registry) SendMessage(ctx context.Context, jid, text string) error {
	a := r.ForJID(jid)
	if a == nil {
		return domain.ErrNotFound
	}
	return a.SendMessage(ctx, jid, text)
}

// SetTyping routes a typing signal when the owning adapter supports it.
func (r *Registry) SetTyping(ctx context.Context, jid string, typing bool) error {
	a := r.ForJID(jid)
	if a == nil {
		return domain.ErrNotFound
	}
	if ts, ok := a.(TypingSetter); ok {
		return ts.SetTyping(ctx, jid, typing)
	}
	return nil
}

// SendPayload routes a media send when the owning adapter supports it.
func (r *Registry) SendPayload(ctx context.Context, jid string, payload MediaPayload) error {
	a := r.ForJID(jid)
	if a == nil {
		return domain.ErrNotFound
	}
	if ps, ok := a.(PayloadSender); ok {
		return ps.SendPayload(ctx, jid, payload)
	}
	return domain.ErrInvalidArgument
}

// Connect brings every adapter up with the shared event callbacks.
func (r *Registry) Connect(ctx context.Context, events Events) error {
	for _, a := range r.adapters {
		if err := a.Connect(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect tears every adapter down.
func (r *Registry) Disconnect() {
	for _, a := range r.adapters {
		_ = a.Disconnect()
	}
}
