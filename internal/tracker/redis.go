package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// Redis keeps the state under recon:{sale_id} so several pipeline instances
// see the same entry. Expiry replaces sweeping: terminal states get the
// retention TTL, pending ones a long safety TTL.
type Redis struct {
	rdb       redis.UniversalClient
	retention Retention
	now       func() time.Time
}

func NewRedis(rdb redis.UniversalClient, r Retention) *Redis {
	return &Redis{rdb: rdb, retention: r, now: time.Now}
}

func key(saleID string) string { return fmt.Sprintf(redisx.KeyReconciliation, saleID) }

func (t *Redis) Create(ctx context.Context, saleID string) error {
	b, err := json.Marshal(State{SaleID: saleID, Status: StatusPending, CreatedAt: t.now().UTC()})
	if err != nil {
		return err
	}
	ok, err := t.rdb.SetNX(ctx, key(saleID), b, redisx.TTLPendingState).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (t *Redis) StartReconciliation(ctx context.Context, saleID string) error {
	return t.move(ctx, saleID, StatusReconciling, func(*State) {})
}

func (t *Redis) Complete(ctx context.Context, saleID string, res Result) error {
	return t.move(ctx, saleID, StatusCompleted, func(st *State) { st.Result = &res })
}

func (t *Redis) Fail(ctx context.Context, saleID string, cause error) error {
	return t.move(ctx, saleID, StatusFailed, func(st *State) {
		if cause != nil {
			st.Error = cause.Error()
		}
	})
}

// move is an optimistic read-modify-write under WATCH; a concurrent writer
// makes the transaction fail and it is retried a few times.
func (t *Redis) move(ctx context.Context, saleID string, to Status, set func(*State)) error {
	k := key(saleID)
	txf := func(tx *redis.Tx) error {
		st, err := load(ctx, tx, k)
		if err != nil {
			return err
		}
		if err := transition(&st, to, t.now().UTC()); err != nil {
			return err
		}
		set(&st)
		b, err := json.Marshal(st)
		if err != nil {
			return err
		}
		ttl := redisx.TTLPendingState
		if to.Terminal() {
			ttl = t.retention.For(to)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, b, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := t.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("tracker: %s: too much contention", saleID)
}

func load(ctx context.Context, c redis.Cmdable, k string) (State, error) {
	b, err := c.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("decode tracker state: %w", err)
	}
	return st, nil
}

func (t *Redis) IsReconciling(ctx context.Context, saleID string) (bool, error) {
	st, err := t.Get(ctx, saleID)
	if err != nil {
		return false, err
	}
	return !st.Status.Terminal(), nil
}

func (t *Redis) Get(ctx context.Context, saleID string) (State, error) {
	return load(ctx, t.rdb, key(saleID))
}

func (t *Redis) Forget(ctx context.Context, saleID string) error {
	return t.rdb.Del(ctx, key(saleID)).Err()
}

// Sweep is a no-op; redis expires the keys.
func (t *Redis) Sweep(ctx context.Context, now time.Time) (int, error) { return 0, nil }
