package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int
	log     logrus.FieldLogger
}

func NewConsumer(brokers []string, group, topic string, workers int, log logrus.FieldLogger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: log.WithFields(logrus.Fields{"group": group, "topic": topic})}
}

// Start fetches messages and fans them out to workers. A failing handler is
// retried in place until it succeeds or ctx ends. Offsets are committed per
// partition in fetch order: a message is committed only once it and every
// message fetched before it on that partition have been handled, so a
// restart resumes at the oldest unfinished one.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	offs := newOffsetTracker()
	var commitMu sync.Mutex
	commit := func(m kafka.Message) {
		commitMu.Lock()
		defer commitMu.Unlock()
		if !offs.shouldCommit(m) {
			return // a later offset already went out
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.WithFields(logrus.Fields{"partition": m.Partition, "offset": m.Offset}).WithError(err).Warn("commit failed")
		}
	}

	jobs := make(chan kafka.Message, 1024)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := c.log.WithField("worker", id)
			for m := range jobs {
				if err := handleUntilDone(ctx, h, m, log, sleepCtx); err != nil {
					continue // shutting down; left uncommitted
				}
				if upTo, ok := offs.done(m); ok {
					commit(upTo)
				}
			}
		}(i)
	}
	defer wg.Wait()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			close(jobs)
			// kecilkan noise saat shutdown
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		offs.fetched(m)
		select {
		case jobs <- m:
		case <-ctx.Done():
			close(jobs)
			return nil
		}
	}
}

const (
	handlerBaseDelay = 200 * time.Millisecond
	handlerMaxDelay  = 5 * time.Second
)

// handleUntilDone runs h until it returns nil. The only error it returns is
// the ctx error.
func handleUntilDone(ctx context.Context, h Handler, m kafka.Message, log logrus.FieldLogger, sleep func(context.Context, time.Duration) error) error {
	delay := handlerBaseDelay
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return nil
		}
		log.WithFields(logrus.Fields{
			"partition": m.Partition,
			"offset":    m.Offset,
			"attempt":   attempt,
		}).WithError(err).Error("handler failed")
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay = min(delay*2, handlerMaxDelay)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// offsetTracker remembers, per partition, the offsets fetched but not yet
// committable.
type offsetTracker struct {
	mu        sync.Mutex
	parts     map[int]*partitionOffsets
	committed map[int]int64
}

type partitionOffsets struct {
	pending []int64 // fetch order, ascending
	done    map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[int]*partitionOffsets{}, committed: map[int]int64{}}
}

func (t *offsetTracker) fetched(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[m.Partition]
	if !ok || (len(p.pending) > 0 && m.Offset <= p.pending[len(p.pending)-1]) {
		// new partition, or a rebalance rewound it: start over from here
		p = &partitionOffsets{done: map[int64]kafka.Message{}}
		t.parts[m.Partition] = p
		delete(t.committed, m.Partition)
	}
	p.pending = append(p.pending, m.Offset)
}

// done marks m handled and returns the newest message that can now be
// committed, if the head of the partition moved.
func (t *offsetTracker) done(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[m.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	p.done[m.Offset] = m
	var upTo kafka.Message
	moved := false
	for len(p.pending) > 0 {
		dm, ok := p.done[p.pending[0]]
		if !ok {
			break
		}
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
		upTo, moved = dm, true
	}
	return upTo, moved
}

// shouldCommit is true when m is newer than the last commit of its
// partition, and records it as committed.
func (t *offsetTracker) shouldCommit(m kafka.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.committed[m.Partition]; ok && m.Offset <= last {
		return false
	}
	t.committed[m.Partition] = m.Offset
	return true
}
