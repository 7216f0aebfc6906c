package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotReady     = errors.New("session not ready")
	ErrFileNotFound = errors.New("file not found")
	ErrFileTooLarge = errors.New("file too large")
	ErrSendFailed   = errors.New("send failed")
	ErrClosed       = errors.New("session client closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingPairing
	Authenticated
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingPairing:
		return "awaiting_pairing"
	case Authenticated:
		return "authenticated"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventPairing       EventKind = "pairing"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
)

// Event is a lifecycle signal emitted by a Transport.
type Event struct {
	Kind EventKind
	// PairingCode is set for EventPairing.
	PairingCode string
	// Reason describes auth failures and disconnects.
	Reason string
}

type Chat struct {
	ID          string
	Name        string
	IsGroup     bool
	MemberCount int
}

type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadImage    PayloadKind = "image"
	PayloadDocument PayloadKind = "document"
)

// Payload is one outgoing message. Path is a local file for image and
// document payloads.
type Payload struct {
	Kind     PayloadKind
	Text     string
	Path     string
	Caption  string
	Filename string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Transport renders the chat protocol session.
//
// Connect starts bring-up and returns once it is underway; progress is
// reported on events. Sends on events must not block indefinitely. Connect on
// an already connected transport replaces the old connection. Close is
// idempotent.
type Transport interface {
	Connect(ctx context.Context, events chan<- Event) error
	Close(ctx context.Context) error
	ListChats(ctx context.Context) ([]Chat, error)
	SendMessage(ctx context.Context, destination string, p Payload, opt *SendOptions) error
}

// Account describes the logged-in identity.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

// AccountProvider is optionally implemented by transports that know who they
// are logged in as.
type AccountProvider interface {
	Account() (Account, bool)
}

// Info is a point-in-time view of the client.
type Info struct {
	State       string    `json:"state"`
	Ready       bool      `json:"ready"`
	Since       time.Time `json:"since"`
	PairingCode string    `json:"pairing_code,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Reconnects  uint64    `json:"reconnects"`
	Account     *Account  `json:"account,omitempty"`
}
