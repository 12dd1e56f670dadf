// Package parallel runs the side effects of one sale concurrently and sorts
// their failures into critical and non-critical.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrTimeout = errors.New("operation timed out")

// Operation is built with Critical or NonCritical; the zero value is not usable.
type Operation struct {
	Name     string
	Run      func(ctx context.Context) error
	Timeout  time.Duration // 0 = no own deadline
	critical bool
}

func Critical(name string, run func(ctx context.Context) error, timeout time.Duration) Operation {
	return Operation{Name: name, Run: run, Timeout: timeout, critical: true}
}

func NonCritical(name string, run func(ctx context.Context) error, timeout time.Duration) Operation {
	return Operation{Name: name, Run: run, Timeout: timeout}
}

func (o Operation) IsCritical() bool { return o.critical }

type OpResult struct {
	Name     string
	Critical bool
	Err      error
	Duration time.Duration
	TimedOut bool
}

func (r OpResult) Failed() bool { return r.Err != nil }

type Result struct {
	Success             bool
	PerOperation        []OpResult // input order
	CriticalFailures    []OpResult
	NonCriticalFailures []OpResult
}

func (r Result) Get(name string) (OpResult, bool) {
	for _, o := range r.PerOperation {
		if o.Name == name {
			return o, true
		}
	}
	return OpResult{}, false
}

// Errors returns every failure, critical ones first.
func (r Result) Errors() []error {
	out := make([]error, 0, len(r.CriticalFailures)+len(r.NonCriticalFailures))
	for _, f := range r.CriticalFailures {
		out = append(out, f.Err)
	}
	for _, f := range r.NonCriticalFailures {
		out = append(out, f.Err)
	}
	return out
}

type Coordinator struct {
	Log logrus.FieldLogger
}

func NewCoordinator(log logrus.FieldLogger) *Coordinator { return &Coordinator{Log: log} }

// ExecuteParallel starts every operation at once and waits for all of them.
// A failure never cancels its siblings. Operations must honour ctx: a timed
// out operation is reported once its Run returns.
func (c *Coordinator) ExecuteParallel(ctx context.Context, ops []Operation) Result {
	results := make([]OpResult, len(ops))

	var g errgroup.Group
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			results[i] = c.run(ctx, op)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Success: true, PerOperation: results}
	for _, r := range results {
		if !r.Failed() {
			continue
		}
		if r.Critical {
			res.Success = false
			res.CriticalFailures = append(res.CriticalFailures, r)
		} else {
			res.NonCriticalFailures = append(res.NonCriticalFailures, r)
		}
	}
	return res
}

func (c *Coordinator) run(ctx context.Context, op Operation) (r OpResult) {
	r = OpResult{Name: op.Name, Critical: op.critical}
	opCtx := ctx
	if op.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		defer cancel()
	}

	log := c.logger().WithFields(logrus.Fields{"operation": op.Name, "critical": op.critical})
	log.Debug("operation started")
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			r.Err = fmt.Errorf("%s: panic: %v", op.Name, p)
		}
		r.Duration = time.Since(start)
		entry := log.WithField("duration_ms", r.Duration.Milliseconds())
		switch {
		case r.Err == nil:
			entry.Info("operation finished")
		case op.critical:
			entry.WithField("timed_out", r.TimedOut).Error(r.Err.Error())
		default:
			entry.WithField("timed_out", r.TimedOut).Warn(r.Err.Error())
		}
	}()

	if op.Run == nil {
		r.Err = fmt.Errorf("%s: no run function", op.Name)
		return r
	}
	err := op.Run(opCtx)
	// an operation that returned nil finished its work, even if late
	if err != nil && op.Timeout > 0 && errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		r.TimedOut = true
		err = fmt.Errorf("%s after %s: %w", op.Name, op.Timeout, errors.Join(ErrTimeout, err))
	}
	r.Err = err
	return r
}

func (c *Coordinator) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}
