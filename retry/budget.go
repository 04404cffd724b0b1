// Package retry implements the retry budget and policy from spec.md
// §4.7: a request may be retried only if the budget has balance for
// it, so a persistently failing backend can't be hammered by retries
// amplifying its own overload.
//
// Grounded on pkg/middleware/ratelimit.go's TokenBucket (float token
// count, on-demand lazy refill keyed by elapsed wall-clock time, no
// background goroutine) and on golang.org/x/time/rate.Limiter's same
// mutex+float accounting technique, generalized from a single refill
// rate to the asymmetric deposit-on-success/withdraw-on-retry scheme
// real retry budgets use: every successful request deposits a fixed amount, every
// retry withdraws a larger amount, so sustained retrying outruns the
// deposits and the budget empties.
package retry

import (
	"sync"
	"time"
)

// Budget is a token bucket where ordinary requests deposit balance and
// retries withdraw it. Independent of deposits, the balance also refills
// continuously at minPerSecond tokens per second of elapsed time.
type Budget struct {
	mu sync.Mutex

	balance    float64
	max        float64
	depositAmt float64
	withdrawAmt float64

	minPerSecond float64
	lastFill     time.Time
	now          func() time.Time
}

// NewBudget builds a Budget. maxBalance is the maximum balance that
// can accumulate (a cap on burst retries); depositPerRequest is added
// for every non-retry call; withdrawPerRetry is subtracted for every
// retry attempted; minRetriesPerSecond tokens are added per second of
// elapsed time even with zero deposited balance, so the floor is
// minRetriesPerSecond/withdrawPerRetry retries per second.
func NewBudget(maxBalance, depositPerRequest, withdrawPerRetry, minRetriesPerSecond float64) *Budget {
	return &Budget{
		balance:      maxBalance / 2,
		max:          maxBalance,
		depositAmt:   depositPerRequest,
		withdrawAmt:  withdrawPerRetry,
		minPerSecond: minRetriesPerSecond,
		lastFill:     time.Now(),
		now:          time.Now,
	}
}

func (b *Budget) fillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.balance += elapsed * b.minPerSecond
	if b.balance > b.max {
		b.balance = b.max
	}
	b.lastFill = now
}

// Deposit credits the budget for one successfully completed (non-retry)
// request.
func (b *Budget) Deposit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillLocked()
	b.balance += b.depositAmt
	if b.balance > b.max {
		b.balance = b.max
	}
}

// Withdraw reports whether a retry may be attempted right now, and if
// so debits the budget. Callers must call Withdraw before issuing the
// retry, not after.
func (b *Budget) Withdraw() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillLocked()

	if b.balance < b.withdrawAmt {
		return false
	}
	b.balance -= b.withdrawAmt
	return true
}

// Balance returns the current balance, for metrics/debugging.
func (b *Budget) Balance() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillLocked()
	return b.balance
}
