// Package budget enforces the session's ceiling on resident bytes.
package budget

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/yuanying/epubpager/internal/errs"
)

// ErrOutOfBudget is returned when a reservation would exceed the ceiling.
var ErrOutOfBudget = errors.New("memory budget exhausted")

// Budget hands out byte reservations against a fixed ceiling. Reservations
// never block: a request that does not fit fails immediately.
type Budget struct {
	ceiling int64
	sem     *semaphore.Weighted

	mu    sync.Mutex
	inUse int64
	peak  int64
}

// New returns a budget of ceiling bytes.
func New(ceiling int64) *Budget {
	return &Budget{ceiling: ceiling, sem: semaphore.NewWeighted(ceiling)}
}

// Ceiling returns the configured limit.
func (b *Budget) Ceiling() int64 {
	return b.ceiling
}

// Reserve claims n bytes. It fails with an OutOfBudget error when the claim
// would exceed the ceiling.
func (b *Budget) Reserve(n int64) error {
	if n <= 0 {
		return nil
	}
	if n > b.ceiling || !b.sem.TryAcquire(n) {
		return errs.E(errs.KindOutOfBudget, "budget.Reserve",
			fmt.Errorf("%d bytes with %d of %d in use: %w", n, b.InUse(), b.ceiling, ErrOutOfBudget))
	}
	b.mu.Lock()
	b.inUse += n
	b.peak = max(b.peak, b.inUse)
	b.mu.Unlock()
	return nil
}

// Release returns n bytes claimed by Reserve.
func (b *Budget) Release(n int64) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.inUse -= n
	b.mu.Unlock()
	b.sem.Release(n)
}

// InUse returns the bytes currently reserved.
func (b *Budget) InUse() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Peak returns the highest reservation level seen.
func (b *Budget) Peak() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}
