package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRepairRunning  = errors.New("repair already running for this store")
	ErrRepairLockLost = errors.New("repair lock expired")
)

type Locker struct {
	c *redislock.Client
}

func NewLocker(rdb redis.UniversalClient) *Locker {
	return &Locker{c: redislock.New(rdb)}
}

// RepairLock is a held per-store repair lock. It expires after
// TTLRepairLock unless refreshed.
type RepairLock struct {
	lock *redislock.Lock
}

// LockRepair takes the per-store repair lock.
func (l *Locker) LockRepair(ctx context.Context, storeID string) (*RepairLock, error) {
	lock, err := l.c.Obtain(ctx, fmt.Sprintf(KeyRepairLock, storeID), TTLRepairLock, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRepairRunning
	}
	if err != nil {
		return nil, err
	}
	return &RepairLock{lock: lock}, nil
}

// Refresh pushes the expiry out by another TTLRepairLock.
func (r *RepairLock) Refresh(ctx context.Context) error {
	err := r.lock.Refresh(ctx, TTLRepairLock, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrRepairLockLost
	}
	return err
}

func (r *RepairLock) Release(ctx context.Context) {
	_ = r.lock.Release(ctx)
}
