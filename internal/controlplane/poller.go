package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pgbranch/internal/config"
)

// errPending signals a non-terminal observation to the retry loop
var errPending = errors.New("operation pending")

// OperationGetter fetches operation status (implemented by *Client)
type OperationGetter interface {
	GetOperation(ctx context.Context, operationID string) (*Operation, error)
}

// Poller waits for control-plane operations to reach a terminal state. It is
// the only component that retries anything.
type Poller struct {
	ops         OperationGetter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timer       backoff.Timer // nil uses a real timer
}

// NewPoller creates a poller with the configured attempt budget and delays
func NewPoller(ops OperationGetter, cfg *config.PollerConfig) *Poller {
	return &Poller{
		ops:         ops,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay.Duration,
		maxDelay:    cfg.MaxDelay.Duration,
	}
}

// newBackOff doubles from baseDelay up to maxDelay with no jitter and no
// elapsed-time cutoff; the attempt budget is applied separately.
func (p *Poller) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.baseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	retries := 0
	if p.maxAttempts > 1 {
		retries = p.maxAttempts - 1
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// WaitForOperation polls until the operation finishes. A failed status stops
// immediately with *OperationFailedError; running out of attempts while still
// pending yields *OperationTimeoutError. Errors from the client are returned
// as-is without another attempt.
func (p *Poller) WaitForOperation(ctx context.Context, operationID string) error {
	attempts := 0
	var lastStatus OperationStatus

	poll := func() error {
		attempts++
		op, err := p.ops.GetOperation(ctx, operationID)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("polling operation %s: %w", operationID, err))
		}

		lastStatus = op.Status
		switch op.Status {
		case OperationFinished:
			return nil
		case OperationFailed:
			return backoff.Permanent(&OperationFailedError{OperationID: operationID, Action: op.Action})
		}
		return errPending
	}

	notify := func(_ error, next time.Duration) {
		log.Printf("operation %s is %s, checking again in %v", operationID, lastStatus, next)
	}

	err := backoff.RetryNotifyWithTimer(poll, backoff.WithContext(p.newBackOff(), ctx), notify, p.timer)
	if errors.Is(err, errPending) {
		return &OperationTimeoutError{OperationID: operationID, Attempts: attempts, LastStatus: lastStatus}
	}
	return err
}
