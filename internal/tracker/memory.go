package tracker

import (
	"context"
	"sync"
	"time"
)

// Memory is the process-local tracker. Safe for concurrent use by one
// process; not shared between instances.
type Memory struct {
	mu        sync.Mutex
	states    map[string]*State
	retention Retention
	now       func() time.Time
}

func NewMemory(r Retention) *Memory {
	return &Memory{states: map[string]*State{}, retention: r, now: time.Now}
}

// WithClock swaps the time source; tests only.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Create(ctx context.Context, saleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[saleID]; ok && !m.expired(st, m.now()) {
		return ErrExists
	}
	m.states[saleID] = &State{SaleID: saleID, Status: StatusPending, CreatedAt: m.now()}
	return nil
}

func (m *Memory) StartReconciliation(ctx context.Context, saleID string) error {
	return m.move(saleID, StatusReconciling, func(*State) {})
}

func (m *Memory) Complete(ctx context.Context, saleID string, res Result) error {
	return m.move(saleID, StatusCompleted, func(st *State) { st.Result = &res })
}

func (m *Memory) Fail(ctx context.Context, saleID string, cause error) error {
	return m.move(saleID, StatusFailed, func(st *State) {
		if cause != nil {
			st.Error = cause.Error()
		}
	})
}

func (m *Memory) move(saleID string, to Status, set func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[saleID]
	if !ok {
		return ErrNotFound
	}
	if err := transition(st, to, m.now()); err != nil {
		return err
	}
	set(st)
	return nil
}

func (m *Memory) IsReconciling(ctx context.Context, saleID string) (bool, error) {
	st, err := m.Get(ctx, saleID)
	if err != nil {
		return false, err
	}
	return !st.Status.Terminal(), nil
}

func (m *Memory) Get(ctx context.Context, saleID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[saleID]
	if !ok || m.expired(st, m.now()) {
		return State{}, ErrNotFound
	}
	cp := *st
	return cp, nil
}

func (m *Memory) Forget(ctx context.Context, saleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, saleID)
	return nil
}

func (m *Memory) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, st := range m.states {
		if m.expired(st, now) {
			delete(m.states, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) expired(st *State, now time.Time) bool {
	if st.CompletedAt == nil {
		return false
	}
	return !now.Before(st.CompletedAt.Add(m.retention.For(st.Status)))
}

// RunSweeper calls Sweep every interval until ctx ends.
func RunSweeper(ctx context.Context, t Tracker, interval time.Duration) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			_, _ = t.Sweep(ctx, now)
		}
	}
}
