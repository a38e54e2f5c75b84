package upstream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Category separates calls that may be replayed from those that must not be.
type Category int

const (
	CategoryRead Category = iota
	CategoryWrite
)

func (c Category) String() string {
	if c == CategoryWrite {
		return "write"
	}
	return "read"
}

// RetryPolicy bounds retries of retriable failures (transport errors, 429/5xx,
// attempt timeouts). Only categories listed in Categories are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0,1] applied to each delay.
	Jitter     float64
	Categories []Category
}

// DefaultRetryPolicy retries reads three times and never retries writes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.2,
		Categories:  []Category{CategoryRead},
	}
}

func (p RetryPolicy) retries(c Category) bool {
	for _, cat := range p.Categories {
		if cat == c {
			return true
		}
	}
	return false
}

func (p RetryPolicy) backOff(c Category) backoff.BackOff {
	if p.MaxAttempts <= 1 || !p.retries(c) {
		return &backoff.StopBackOff{}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.RandomizationFactor = clampJitter(p.Jitter)
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

func clampJitter(j float64) float64 {
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}
