// Package audit persists one record per completed action invocation.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/relay/internal/config"
)

// Record is the persisted summary of one completed invocation.
type Record struct {
	ID             int64          `json:"id"`
	ConnectionID   string         `json:"connectionId"`
	ConnectionType string         `json:"connectionType"`
	RemoteIP       string         `json:"remoteIP"`
	Action         string         `json:"action"`
	APIVersion     string         `json:"apiVersion"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	Duration       time.Duration  `json:"duration"`
}

// Filter narrows a Recent query. Zero fields match everything.
type Filter struct {
	Action       string
	Status       string
	ConnectionID string
	Limit        int
}

// DefaultLimit caps Recent when Filter.Limit is zero.
const DefaultLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

func (f Filter) matches(r Record) bool {
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ConnectionID != "" && r.ConnectionID != f.ConnectionID {
		return false
	}
	return true
}

// Store persists completion records.
type Store interface {
	// Append stores r and returns it with its assigned ID.
	Append(ctx context.Context, r Record) (Record, error)

	// Recent returns matching records, newest first.
	Recent(ctx context.Context, f Filter) ([]Record, error)

	HealthCheck(ctx context.Context) error
}

// New builds the store selected by cfg. The returned close function
// releases the store's resources.
func New(ctx context.Context, cfg config.AuditConfig) (Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(0), func() {}, nil
	case "postgres":
		store, err := OpenPgStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("audit: unsupported driver %q", cfg.Driver)
	}
}
