// Package idempotency guards mutating remote procedures against duplicate
// submission: an identical request within the record TTL returns the recorded
// outcome instead of reaching the backend again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrRequestInProgress = errors.New("request with this key is already in progress")

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

const lockTTL = 5 * time.Minute

// WithdrawalKey derives the deterministic key for a withdrawal attempt. Two
// submissions of the same amount to the same destination by the same
// principal collapse into one.
func WithdrawalKey(principalID string, amount float64, destination string) string {
	return GenerateKey("withdrawal", principalID, amount, destination)
}

// GenerateKey builds a deterministic key using all provided parts.
func GenerateKey(parts ...interface{}) string {
	h := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(h, "%v:", part)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Record is a stored operation outcome.
type Record struct {
	Status   string
	Response []byte
}

// Store persists idempotency records and their in-progress locks.
type Store interface {
	Lock(ctx context.Context, key string, lockTTL time.Duration) (bool, error)
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, record *Record, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key string) error
}

// Operation is the guarded remote call.
type Operation func(ctx context.Context) (interface{}, error)

// Result carries the operation outcome and whether it was replayed from a
// previous completion.
type Result struct {
	Response  interface{}
	FromCache bool
}

// Manager runs operations under an idempotency key.
type Manager interface {
	Execute(ctx context.Context, key string, ttl time.Duration, fn Operation) (*Result, error)
}

type manager struct {
	store Store
	log   *slog.Logger
}

func NewManager(store Store, log *slog.Logger) Manager {
	if log == nil {
		log = slog.Default()
	}

	return &manager{
		store: store,
		log:   log,
	}
}

// Execute acquires the key's lock and runs fn once. A concurrent duplicate
// gets ErrRequestInProgress; a later duplicate within ttl gets the recorded
// response. Operation errors are not recorded: a failed withdrawal may be
// deliberately resubmitted by the user.
func (m *manager) Execute(ctx context.Context, key string, ttl time.Duration, fn Operation) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		return nil, errors.New("operation fn cannot be nil")
	}

	for {
		locked, err := m.store.Lock(ctx, key, lockTTL)
		if err != nil {
			return nil, err
		}

		if !locked {
			record, err := m.store.Get(ctx, key)
			if err != nil {
				return nil, err
			}

			if record == nil {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(100 * time.Millisecond):
					continue
				}
			}

			switch record.Status {
			case StatusProcessing:
				return nil, ErrRequestInProgress
			case StatusCompleted:
				return m.replay(key, record)
			default:
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(100 * time.Millisecond):
					continue
				}
			}
		}

		defer m.store.ReleaseLock(ctx, key)

		// The lock only serializes; it does not mean first. A completed
		// record from an earlier submission outlives its lock, so consult
		// it before touching the backend.
		record, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if record != nil && record.Status == StatusCompleted {
			return m.replay(key, record)
		}

		response, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		responseBytes, err := json.Marshal(response)
		if err != nil {
			return nil, err
		}

		if err := m.store.Set(ctx, key, &Record{
			Status:   StatusCompleted,
			Response: responseBytes,
		}, ttl); err != nil {
			return nil, err
		}

		return &Result{Response: response, FromCache: false}, nil
	}
}

func (m *manager) replay(key string, record *Record) (*Result, error) {
	var response interface{}
	if len(record.Response) > 0 {
		if err := json.Unmarshal(record.Response, &response); err != nil {
			return nil, err
		}
	}

	m.log.Info("idempotent replay served", slog.String("key", key))
	return &Result{Response: response, FromCache: true}, nil
}
