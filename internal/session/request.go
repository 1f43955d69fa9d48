package session

import (
	"context"
	"fmt"

	"github.com/yuanying/epubpager/internal/layout"
	"github.com/yuanying/epubpager/internal/store"
)

// Op identifies a request kind.
type Op uint8

const (
	OpOpen Op = iota
	OpNextPage
	OpPrevPage
	OpGotoChapter
	OpRetry
	OpApplySettings

	numOps
)

var opNames = [...]string{
	OpOpen:          "open",
	OpNextPage:      "next page",
	OpPrevPage:      "prev page",
	OpGotoChapter:   "goto chapter",
	OpRetry:         "retry",
	OpApplySettings: "apply settings",
}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", o)
}

// Request is a unit of work for the session worker.
type Request struct {
	Op       Op
	Chapter  int             // OpGotoChapter
	Settings layout.Settings // OpApplySettings
}

// request is a Request stamped at submission.
type request struct {
	Request
	gen    uint64
	epoch  uint64
	ticket *Ticket
}

// Result is the outcome of a request.
type Result struct {
	Op       Op
	Page     *layout.Page // Page shown after the request, nil on failure
	Position store.Position
	Err      error
}

// Ticket tracks a submitted request.
type Ticket struct {
	op   Op
	done chan struct{}
	res  Result
}

func newTicket(op Op) *Ticket {
	return &Ticket{op: op, done: make(chan struct{})}
}

// Op returns the kind of the request.
func (t *Ticket) Op() Op {
	return t.op
}

// Done is closed once the result is available.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the result without blocking. ok is false while the request
// is still pending.
func (t *Ticket) Result() (res Result, ok bool) {
	select {
	case <-t.done:
		return t.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the request completes or ctx is done. The error is the
// request's error, or ctx's. Giving up on a ticket does not cancel the
// request.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.res, t.res.Err
	case <-ctx.Done():
		return Result{Op: t.op}, ctx.Err()
	}
}

func (t *Ticket) finish(res Result) {
	t.res = res
	close(t.done)
}
