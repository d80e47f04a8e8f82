package messaging

import "context"

// EventType identifies a connection lifecycle event raised by a Client
type EventType int

const (
	// EventPairingCode carries a new pairing challenge to present to the operator
	EventPairingCode EventType = iota
	// EventConnected means the session is logged in and can send
	EventConnected
	// EventDisconnected means the connection dropped; the client reconnects on its own
	EventDisconnected
	// EventLoggedOut means the device was unlinked and its credentials are void
	EventLoggedOut
	// EventPairingFailed means the pairing was rejected or timed out
	EventPairingFailed
)

func (t EventType) String() string {
	switch t {
	case EventPairingCode:
		return "pairing_code"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventLoggedOut:
		return "logged_out"
	case EventPairingFailed:
		return "pairing_failed"
	default:
		return "unknown"
	}
}

// Event is delivered to the session that owns the client
type Event struct {
	Type       EventType
	Code       string // Pairing challenge for EventPairingCode
	Credential []byte // Device identity for EventConnected
	Err        error
}

// EventHandler receives client events. Implementations must not block.
type EventHandler func(Event)

// Client is one tenant's connection to the messaging network
type Client interface {
	// Connect starts the connection; pairing or readiness is reported through events
	Connect(ctx context.Context) error
	// IsRegistered reports whether phone has an account on the network
	IsRegistered(ctx context.Context, phone string) (bool, error)
	// SendDocument uploads data and sends it to phone with caption
	SendDocument(ctx context.Context, phone, caption, fileName string, data []byte) error
	// Logout unlinks the device
	Logout(ctx context.Context) error
	// Disconnect closes the connection and keeps the credentials
	Disconnect()
}

// Provider creates tenant clients. credential is the stored device identity,
// nil when the tenant has never paired.
type Provider interface {
	NewClient(ctx context.Context, tenantID string, credential []byte, handler EventHandler) (Client, error)
}
