package expr

import (
	"errors"
	"fmt"
)

// ErrGuard is the sentinel kind of every GuardError.
var ErrGuard = errors.New("guard evaluation error")

// GuardError reports a malformed expression, a reference outside the allowed
// context fields, or a guard that does not produce a boolean.
type GuardError struct {
	Expr string
	Msg  string
}

func (e *GuardError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %q: %s", ErrGuard.Error(), e.Expr, e.Msg)
}

func (e *GuardError) Unwrap() error { return ErrGuard }

func guardErrorf(src, format string, args ...any) error {
	return &GuardError{Expr: src, Msg: fmt.Sprintf(format, args...)}
}
