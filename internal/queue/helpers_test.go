package queue_test

import (
	"time"

	"github.com/vovakirdan/wirerelay/internal/retry"
)

func retryPolicy(attempts int) retry.Policy {
	return retry.NewPolicy(attempts, time.Millisecond)
}
