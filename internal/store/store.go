// Package store defines the shared counter store used by detection and the
// WAF, and an in-process implementation for single-node and test use.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrUnavailable = errors.New("counter store unavailable")

// CounterStore holds short-lived counters, sliding windows, histograms and
// markers. Implementations must be safe for concurrent use across processes
// sharing the same backend.
type CounterStore interface {
	// IncrWithExpire increments key and sets its expiry only when the
	// increment created it. Later increments do not extend the window.
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// WindowAdd records member at `at`, drops members older than window and
	// returns how many remain.
	WindowAdd(ctx context.Context, key, member string, at time.Time, window time.Duration) (int64, error)
	HashIncr(ctx context.Context, key, field string, delta int64, ttl time.Duration) (int64, error)
	HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or 0 when it does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// FailPolicy decides what a check reports when the counter store errors.
type FailPolicy int

const (
	// FailOpen lets the request or event through, flagged as degraded.
	FailOpen FailPolicy = iota
	// FailClosed treats the failed check as a positive result.
	FailClosed
)

func (p FailPolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

func ParseFailPolicy(s string) (FailPolicy, error) {
	switch s {
	case "open", "":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown fail policy %q", s)
	}
}
