package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	lockKeyPrefix = "codescan:lock:scan:"

	DefaultLeaseTTL = 30 * time.Second
)

var (
	// ErrLocked is returned by Acquire while another holder owns the lease.
	ErrLocked = errors.New("store: lock held")
	// ErrLeaseLost is returned when a lease expired or was taken over.
	ErrLeaseLost = errors.New("store: lease lost")
)

// Locker hands out per-scan write leases backed by the KV store, so only one
// process at a time mutates a scan.
type Locker struct {
	kv     KVStore
	ttl    time.Duration
	logger *slog.Logger
}

func NewLocker(kv KVStore, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{kv: kv, ttl: ttl, logger: logger}
}

// LockKey returns the KV key guarding scanID.
func LockKey(scanID string) string {
	return lockKeyPrefix + scanID
}

// Lease is a held lock. The token identifies this holder so an expired
// lease can never release someone else's lock.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lease for scanID or returns ErrLocked.
func (l *Locker) Acquire(ctx context.Context, scanID string) (*Lease, error) {
	token := uuid.NewString()
	key := LockKey(scanID)
	ok, err := l.kv.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", key, ErrLocked)
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Refresh extends the lease by the locker TTL.
func (le *Lease) Refresh(ctx context.Context) error {
	ok, err := le.locker.kv.CompareAndExpire(ctx, le.key, le.token, le.locker.ttl)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", le.key, err)
	}
	if !ok {
		return fmt.Errorf("refresh %s: %w", le.key, ErrLeaseLost)
	}
	return nil
}

// Release drops the lease if it is still ours.
func (le *Lease) Release(ctx context.Context) error {
	ok, err := le.locker.kv.CompareAndDelete(ctx, le.key, le.token)
	if err != nil {
		return fmt.Errorf("release %s: %w", le.key, err)
	}
	if !ok {
		return fmt.Errorf("release %s: %w", le.key, ErrLeaseLost)
	}
	return nil
}

// KeepAlive refreshes the lease every third of its TTL until the returned
// stop func is called or ctx ends. onLost is called once if a refresh fails.
func (le *Lease) KeepAlive(ctx context.Context, onLost func(error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(le.locker.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := le.Refresh(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					le.locker.logger.Warn("Scan lease refresh failed", "key", le.key, "error", err)
					if onLost != nil {
						onLost(err)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
