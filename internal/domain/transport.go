package domain

import "context"

// Presence is the typing state shown to the other party.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresenceAvailable Presence = "available"
)

// Transport is a messaging channel (WhatsApp, Telegram, CLI).
type Transport interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, to string, text string) error
	SendMedia(ctx context.Context, to string, data []byte, caption string) error
	SetPresence(ctx context.Context, to string, state Presence) error
	DownloadMedia(ctx context.Context, ref string) ([]byte, error)
}
