package domain

import "context"

// Messenger is the interface for the messaging session the gateway forwards to.
// Implementations own transport, session persistence and protocol details.
type Messenger interface {
	Name() string
	// Start launches the session. Readiness is reported through SessionEvents,
	// not by Start returning.
	Start(ctx context.Context) error
	SendText(ctx context.Context, chatID, text string) error
	SendMedia(ctx context.Context, chatID, path, caption string) error
	Stop(ctx context.Context) error
}

// SessionEventType classifies a session lifecycle event.
type SessionEventType string

const (
	SessionQR            SessionEventType = "qr"
	SessionAuthenticated SessionEventType = "authenticated"
	SessionReady         SessionEventType = "ready"
	SessionDisconnected  SessionEventType = "disconnected"
)

// SessionEvent is emitted by a Messenger when its session changes state.
type SessionEvent struct {
	Type      SessionEventType
	QR        string // pairing payload, set for SessionQR
	ImagePath string // rendered QR image, set for SessionQR when available
	Reason    string // set for SessionDisconnected
}

// SessionEventHandler receives session events. Handlers must not block.
type SessionEventHandler func(SessionEvent)
