// Package credstore keeps the opaque per-account credential bundle produced
// by the transport.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"unlockbot/pkg/logx"
)

var ErrNotFound = errors.New("credstore: credentials not found")

// bundleName is the object name inside each account's directory or prefix.
const bundleName = "creds.json"

type Store interface {
	Load(ctx context.Context, accountID string) ([]byte, error)
	Save(ctx context.Context, accountID string, bundle []byte) error
	// Delete wipes everything stored for the account; missing data is not an error.
	Delete(ctx context.Context, accountID string) error
	Exists(ctx context.Context, accountID string) (bool, error)
	// List returns account ids that have a bundle.
	List(ctx context.Context) ([]string, error)
}

type Config struct {
	Driver   string
	Dir      string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// Open builds the configured store. An empty driver means "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		dir := strings.TrimSpace(cfg.Dir)
		if dir == "" {
			dir = "./sessions"
		}
		return NewFileStore(dir), nil
	case "s3":
		return OpenS3(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown credentials driver: %s", driver)
	}
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("credstore: invalid account id %q", id)
	}
	return nil
}
