// Package research follows long-running AGENT mode jobs to completion.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/provider"
)

type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

type Result struct {
	Status Status
	Text   string
	Err    error
}

// Operations is the slice of the provider client the poller needs.
type Operations interface {
	GetOperation(ctx context.Context, call provider.Call, name string) (provider.Operation, error)
}

type Poller struct {
	ops        Operations
	newBackOff func() backoff.BackOff
}

type Option func(*Poller)

// WithBackOff replaces the transport retry schedule.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Poller) { p.newBackOff = fn }
}

func NewPoller(ops Operations, opts ...Option) *Poller {
	p := &Poller{
		ops: ops,
		newBackOff: func() backoff.BackOff {
			expo := backoff.NewExponentialBackOff()
			expo.InitialInterval = 500 * time.Millisecond
			expo.MaxInterval = 10 * time.Second
			expo.MaxElapsedTime = time.Minute
			return expo
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CallFunc supplies the credentials for the next poll. A research job can
// outlive several bearer tokens, so each poll asks again. rejected is true
// when the provider refused the previous token.
type CallFunc func(ctx context.Context, rejected bool) (provider.Call, error)

// Fixed returns a CallFunc that always uses call.
func Fixed(call provider.Call) CallFunc {
	return func(context.Context, bool) (provider.Call, error) { return call, nil }
}

// Poll checks the operation once. Transport failures, rate limits and
// rejected tokens are retried with exponential backoff up to maxRetries
// times; when they are exhausted the poll reports ErrPollTimeout. None of
// them say anything about the job itself.
func (p *Poller) Poll(ctx context.Context, calls CallFunc, name string, maxRetries int) (Result, error) {
	var op provider.Operation
	rejected := false
	attempt := func() error {
		call, err := calls(ctx, rejected)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			slog.Debug("research poll credentials unavailable", "operation", name, "error", err)
			return err
		}

		op, err = p.ops.GetOperation(ctx, call, name)
		if err == nil {
			return nil
		}
		if retryable(err) {
			rejected = provider.ClassOf(err) == provider.ClassAccount
			slog.Debug("research poll retry", "operation", name, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(maxRetries)), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		var pe *provider.Error
		if errors.As(err, &pe) && !retryable(pe) {
			return Result{Status: Failed, Err: err}, nil
		}
		return Result{}, fmt.Errorf("%w: %s: %w", domain.ErrPollTimeout, name, err)
	}

	switch {
	case !op.Done:
		return Result{Status: Pending}, nil
	case op.Err != nil:
		return Result{Status: Failed, Err: op.Err}, nil
	default:
		return Result{Status: Succeeded, Text: provider.OperationText(op)}, nil
	}
}

func retryable(err error) bool {
	switch provider.ClassOf(err) {
	case provider.ClassTransient, provider.ClassRateLimited, provider.ClassAccount:
		return true
	}
	return false
}

// Budget bounds one wait.
type Budget struct {
	Interval   time.Duration
	MaxWait    time.Duration
	MaxRetries int
}

func BudgetFrom(policy config.RetryPolicy) Budget {
	return Budget{
		Interval:   policy.PollInterval(),
		MaxWait:    policy.PollMaxWait(),
		MaxRetries: policy.PollMaxRetries,
	}
}

// Wait polls at the budget interval until the operation finishes or the
// maximum wait elapses.
func (p *Poller) Wait(ctx context.Context, calls CallFunc, name string, budget Budget) (string, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, budget.MaxWait)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(budget.Interval), 1)
	polls := 0
	for {
		if err := limiter.Wait(waitCtx); err != nil {
			return "", p.stopped(ctx, name, polls, start)
		}
		polls++

		res, err := p.Poll(waitCtx, calls, name, budget.MaxRetries)
		if err != nil {
			if errors.Is(err, domain.ErrPollTimeout) {
				metrics.RecordPoll("timeout", polls, time.Since(start))
				return "", err
			}
			return "", p.stopped(ctx, name, polls, start)
		}

		switch res.Status {
		case Succeeded:
			metrics.RecordPoll("succeeded", polls, time.Since(start))
			return res.Text, nil
		case Failed:
			metrics.RecordPoll("failed", polls, time.Since(start))
			return "", res.Err
		}
	}
}

// stopped distinguishes a caller cancellation from the wait budget running out.
func (p *Poller) stopped(ctx context.Context, name string, polls int, start time.Time) error {
	if err := ctx.Err(); err != nil {
		metrics.RecordPoll("cancelled", polls, time.Since(start))
		return err
	}
	metrics.RecordPoll("timeout", polls, time.Since(start))
	return fmt.Errorf("%w: %s after %d polls", domain.ErrPollTimeout, name, polls)
}
