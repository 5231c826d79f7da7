package game

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrStoreNotFound is returned by stores when a session does not exist.
var ErrStoreNotFound = errors.New("session not found in store")

// Store persists session snapshots so finished stories survive restarts.
// Implementations must be safe for concurrent use.
type Store interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	Close() error
}

// Turn options live in a single TEXT column as a JSON array in both SQL
// stores.
func encodeOptions(options []string) (string, error) {
	if len(options) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeOptions(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var options []string
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, err
	}
	return options, nil
}
