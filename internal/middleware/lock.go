package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/relay/model"
)

// LockName is the name of the action lock middleware.
const LockName = "lock"

const lockTokenKey = "lockToken"

// Locker is a distributed lock. Lock reports ok=false without an error when
// another owner holds key.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// NewActionLock returns a middleware that allows one run of an action per
// connection fingerprint at a time. The lock is taken by the pre-processor
// and released when the invocation completes, on every status. It expires
// after ttl if the process dies while holding it.
func NewActionLock(locker Locker, ttl time.Duration) Middleware {
	return Middleware{
		Name: LockName,
		Pre: func(ctx context.Context, data *model.ActionData) (map[string]any, error) {
			key := lockKey(data)
			token, ok, err := locker.Lock(ctx, key, ttl)
			if err != nil {
				return nil, fmt.Errorf("acquiring action lock: %w", err)
			}
			if !ok {
				return nil, model.NewConflictError(fmt.Sprintf("action %s is already running for this connection", data.Action))
			}
			data.Session[lockTokenKey] = token
			return nil, nil
		},
		Complete: func(ctx context.Context, data *model.ActionData) error {
			token, _ := data.Session[lockTokenKey].(string)
			if token == "" {
				return nil
			}
			delete(data.Session, lockTokenKey)
			if err := locker.Unlock(ctx, lockKey(data), token); err != nil {
				return fmt.Errorf("releasing action lock: %w", err)
			}
			return nil
		},
	}
}

func lockKey(data *model.ActionData) string {
	return "lock:" + data.Connection.Fingerprint + ":" + data.Action
}
