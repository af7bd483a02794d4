package cache

import (
	"context"
	"errors"
	"time"
)

// Recorder receives one call per cache operation.
type Recorder interface {
	RecordCacheOperation(operation, result string)
}

// Instrumented wraps a Store and reports every operation to a Recorder.
type Instrumented struct {
	Store
	rec Recorder
}

// Instrument wraps store. A nil recorder returns store unchanged.
func Instrument(store Store, rec Recorder) Store {
	if rec == nil {
		return store
	}
	return &Instrumented{Store: store, rec: rec}
}

func (s *Instrumented) Save(ctx context.Context, key string, value any, ttl time.Duration) error {
	err := s.Store.Save(ctx, key, value, ttl)
	s.rec.RecordCacheOperation("save", outcome(err, "ok"))
	return err
}

func (s *Instrumented) Load(ctx context.Context, key string) (any, error) {
	v, err := s.Store.Load(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		s.rec.RecordCacheOperation("load", "miss")
	default:
		s.rec.RecordCacheOperation("load", outcome(err, "hit"))
	}
	return v, err
}

func (s *Instrumented) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := s.Store.Delete(ctx, key)
	result := "miss"
	if ok {
		result = "ok"
	}
	s.rec.RecordCacheOperation("delete", outcome(err, result))
	return ok, err
}

func (s *Instrumented) Lock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, ok, err := s.Store.Lock(ctx, key, ttl)
	result := "contended"
	if ok {
		result = "ok"
	}
	s.rec.RecordCacheOperation("lock", outcome(err, result))
	return token, ok, err
}

func outcome(err error, success string) string {
	if err != nil {
		return "error"
	}
	return success
}
