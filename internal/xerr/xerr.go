// Package xerr collects the sentinel error constructors and a small
// bounded multi-error accumulator used throughout the engine, mirroring
// aistore's cmn/cos error helpers but built directly on pkg/errors so
// every wrapped error still carries a Cause() chain.
package xerr

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrAborted signals a component observed a shutdown flag mid-operation.
type ErrAborted struct {
	where string
	cause error
}

func NewErrAborted(where string, cause error) *ErrAborted { return &ErrAborted{where, cause} }

func (e *ErrAborted) Error() string {
	if e.cause == nil {
		return e.where + ": aborted"
	}
	return fmt.Sprintf("%s: aborted, cause: %v", e.where, e.cause)
}

func (e *ErrAborted) Cause() error { return e.cause }

func IsErrAborted(err error) bool {
	_, ok := errors.Cause(err).(*ErrAborted)
	return ok
}

// ErrEntityUnresolved is returned when the target entity cannot be resolved
// to an ID range — the one case that aborts an export outright rather than
// degrading to partial results.
type ErrEntityUnresolved struct {
	Entity string
	cause  error
}

func NewErrEntityUnresolved(entity string, cause error) *ErrEntityUnresolved {
	return &ErrEntityUnresolved{Entity: entity, cause: cause}
}

func (e *ErrEntityUnresolved) Error() string {
	return fmt.Sprintf("cannot resolve entity %q: %v", e.Entity, e.cause)
}

func (e *ErrEntityUnresolved) Cause() error { return e.cause }

// Wrap and Cause re-export pkg/errors so call sites only import one package.
func Wrap(err error, msg string) error                    { return errors.Wrap(err, msg) }
func Wrapf(err error, format string, a ...any) error       { return errors.Wrapf(err, format, a...) }
func Cause(err error) error                                { return errors.Cause(err) }
func New(msg string) error                                 { return errors.New(msg) }
func Errorf(format string, a ...any) error                  { return errors.Errorf(format, a...) }

// Errs is a bounded, duplicate-suppressing accumulator: used by
// worker.Pool.Run to collect per-worker fatal errors without growing unbounded
// when many workers fail the same way.
type Errs struct {
	mu   sync.Mutex
	errs []error
	cnt  int64
}

const maxErrs = 8

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		atomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
}

func (e *Errs) Cnt() int { return int(atomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return errors.New(joinLines(msgs))
}

func joinLines(lines []string) string {
	out := lines[0]
	for _, l := range lines[1:] {
		out += "; " + l
	}
	return out
}
