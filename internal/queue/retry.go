package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/vovakirdan/wirerelay/internal/core"
	"github.com/vovakirdan/wirerelay/internal/retry"
)

type retrying struct {
	Queue
	policy retry.Policy
}

// WithRetry wraps q so that Enqueue and Acknowledge are retried under policy.
// Errors surviving the policy still match core.ErrQueueUnavailable. An error
// marked with retry.Permanent is returned after the first attempt, unwrapped
// and unlabelled.
func WithRetry(q Queue, policy retry.Policy) Queue {
	return &retrying{Queue: q, policy: policy}
}

func (r *retrying) Enqueue(ctx context.Context, recipientID string, msg core.Message) error {
	return r.do(ctx, func() error {
		return r.Queue.Enqueue(ctx, recipientID, msg)
	})
}

func (r *retrying) Acknowledge(ctx context.Context, recipientID, messageID string) error {
	return r.do(ctx, func() error {
		return r.Queue.Acknowledge(ctx, recipientID, messageID)
	})
}

func (r *retrying) do(ctx context.Context, op func() error) error {
	permanent := false
	err := retry.Do(ctx, r.policy, func() error {
		err := op()
		permanent = retry.IsPermanent(err)
		return err
	})
	if permanent {
		return err
	}
	return unavailable(err)
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, core.ErrQueueUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrQueueUnavailable, err)
}
