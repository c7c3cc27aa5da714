// Package transport defines the boundary to the messaging protocol client.
//
// The protocol itself (handshake, encryption, wire format) lives behind
// Dialer/Session; this repo only consumes its event stream and request methods.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when an account has no live session.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrSessionClosed is returned by requests issued on a closed session.
	ErrSessionClosed = errors.New("transport: session closed")
)

// Disconnect status codes reported with PhaseClose.
const (
	StatusLoggedOut       = 401
	StatusRestartRequired = 515
)

type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClose      Phase = "close"
)

type UpdateKind string

const (
	UpdateConnection  UpdateKind = "connection"
	UpdateChannels    UpdateKind = "channels"
	UpdateMembership  UpdateKind = "membership"
	UpdateCredentials UpdateKind = "credentials"
)

// ConnectionUpdate reports a connection phase change. QR is set while the
// session waits for a scan; StatusCode is set on PhaseClose when known.
type ConnectionUpdate struct {
	Phase      Phase
	StatusCode int
	QR         string
	Reason     string
}

// ChannelUpdate is one entry of a channel-state batch. Open is nil when the
// update does not touch the lock flag, true when posting became allowed.
type ChannelUpdate struct {
	ID   string
	Open *bool
}

// Update is one item of a session's event stream.
type Update struct {
	Kind        UpdateKind
	Connection  *ConnectionUpdate
	Channels    []ChannelUpdate
	ChannelID   string // UpdateMembership
	Credentials []byte // UpdateCredentials: full opaque bundle
}

// Metadata is a channel metadata snapshot.
type Metadata struct {
	ID             string   `json:"id"`
	Subject        string   `json:"subject"`
	Participants   []string `json:"participants,omitempty"`
	Announce       bool     `json:"announce"`
	AddressingMode string   `json:"addressing_mode,omitempty"`
}

type GroupSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MetadataLookup lets the transport read cached metadata instead of asking
// the server.
type MetadataLookup func(channelID string) (Metadata, bool)

type DialOptions struct {
	AccountID   string
	Credentials []byte // nil for a fresh login
	Lookup      MetadataLookup
}

// Session is one live connection. Updates is closed when the session ends.
type Session interface {
	Updates() <-chan Update
	Registered() bool

	FetchMetadata(ctx context.Context, channelID string) (Metadata, error)
	Send(ctx context.Context, channelID, text string) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	ListGroups(ctx context.Context) ([]GroupSummary, error)
	Logout(ctx context.Context) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Session, error)
}

// BoolPtr is a helper for building ChannelUpdate values.
func BoolPtr(b bool) *bool { return &b }
