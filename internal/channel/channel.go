// Package channel defines the narrow capability surface the router
// consumes from, and delivers to, a chat adapter (C10, §6.3). A concrete
// adapter (WhatsApp, Discord, ...) is out of scope for the core — this
// interface is the seam one plugs into, mirroring the adapter boundary
// vanducng-goclaw draws between its message bus and per-platform
// channels package.
package channel

import "context"

// InboundMessage is one inbound event a Channel hands to its OnInbound
// callback (§6.3).
type InboundMessage struct {
	ID             string
	ChatID         string
	SenderID       string
	SenderName     string
	Content        string
	Timestamp      int64
	FromSelf       bool
	PrivilegedHint bool
}

// Channel is the capability surface a chat adapter exposes to the router.
type Channel interface {
	// Connect establishes the adapter's connection to its platform.
	Connect(ctx context.Context) error

	// OnInbound registers the callback invoked for every inbound message.
	// Adapters call it from their own read loop; it must not block the
	// caller of OnInbound itself.
	OnInbound(callback func(InboundMessage))

	// SendMessage delivers text to chatID, returning any delivery error
	// after the adapter's own best-effort retries are exhausted (§7).
	SendMessage(ctx context.Context, chatID, text string) error

	// SetTyping toggles a typing indicator for chatID, where supported.
	SetTyping(ctx context.Context, chatID string, typing bool) error

	// SyncMetadata forces (or, if force is false, opportunistically
	// refreshes) bulk chat discovery, backing the privileged workspace's
	// refresh_groups IPC request (§6.4).
	SyncMetadata(ctx context.Context, force bool) error

	// Disconnect tears down the adapter's connection.
	Disconnect(ctx context.Context) error
}
