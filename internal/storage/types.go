package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: account not found")
	ErrClosed   = errors.New("storage: closed")
)

// Status is the connection status written by account units.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only
}

// Account is one managed identity and its target configuration.
// DelayTier is in milliseconds.
type Account struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TargetChannelID string    `json:"target_group_id"`
	DelayTier       int       `json:"delay_tier"`
	Status          Status    `json:"session_status"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasTarget reports whether a target channel is configured.
func (a Account) HasTarget() bool { return strings.TrimSpace(a.TargetChannelID) != "" }

// Delay converts the delay tier to a duration.
func (a Account) Delay() time.Duration {
	if a.DelayTier <= 0 {
		return 0
	}
	return time.Duration(a.DelayTier) * time.Millisecond
}

// FireRecord is one completed send loop.
type FireRecord struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	ChannelID  string    `json:"channel_id"`
	Payload    string    `json:"payload"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store is the persistence API used by the session manager and HTTP API.
type Store interface {
	// UpsertAccount writes name, target and delay; status of an existing
	// record is preserved, new records start disconnected.
	UpsertAccount(ctx context.Context, a Account) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	DeleteAccount(ctx context.Context, id string) error
	// SetStatus is a no-op for unknown accounts.
	SetStatus(ctx context.Context, id string, status Status) error

	AppendFire(ctx context.Context, r FireRecord) error
	// ListFires returns the newest records first.
	ListFires(ctx context.Context, accountID string, limit int) ([]FireRecord, error)

	Close() error
}
