package domain

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = 2 * time.Second
	DefaultBackoffLimit = 5 * time.Minute
)

// RetryDecision es la respuesta de una RetryPolicy ante un fallo del handler.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

func GiveUp() RetryDecision { return RetryDecision{} }

func RetryAfter(d time.Duration) RetryDecision {
	if d < 0 {
		d = 0
	}
	return RetryDecision{Retry: true, Delay: d}
}

// RetryPolicy decide, con el mensaje tal y como se reclamó, si reintentar.
type RetryPolicy func(msg QueueMessage) RetryDecision

// ExponentialBackoff reintenta hasta maxAttempts intentos con
// base*2^(intento-1) acotado por limit y jitter en [d/2, d].
func ExponentialBackoff(maxAttempts int, base, limit time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit < base {
		limit = base
	}
	return func(msg QueueMessage) RetryDecision {
		if msg.ReadCount >= maxAttempts {
			return GiveUp()
		}
		return RetryAfter(jitter(backoffDelay(msg.ReadCount, base, limit)))
	}
}

// NoRetry abandona al primer error.
func NoRetry() RetryPolicy {
	return func(QueueMessage) RetryDecision { return GiveUp() }
}

// DefaultRetryPolicy: 5 intentos, 2s de base, 5m de techo.
func DefaultRetryPolicy() RetryPolicy {
	return ExponentialBackoff(DefaultMaxAttempts, DefaultBackoffBase, DefaultBackoffLimit)
}

func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit || delay <= 0 {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}
