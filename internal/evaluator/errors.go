package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/exec"
)

// EvaluationError reports that the package set of a channel could not be
// evaluated. Err carries a platform error code: EXECUTION_FAILED, TIMEOUT or
// SCHEMA_VALIDATION_FAILED.
type EvaluationError struct {
	Channel string
	Err     error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("cannot evaluate channel %s: %v", e.Channel, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Code returns the platform error code of the underlying failure.
func (e *EvaluationError) Code() platformerrors.ErrorCode {
	return platformerrors.GetCode(e.Err)
}

// IsEvaluationError reports whether err is, or wraps, an EvaluationError.
func IsEvaluationError(err error) bool {
	var ee *EvaluationError
	return errors.As(err, &ee)
}

// classifyRunError maps a failed evaluator invocation to a platform error.
func classifyRunError(ctx context.Context, binary string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return platformerrors.Wrapf(ctx.Err(), platformerrors.CodeTimeout, "%s timed out", binary)
	case errors.Is(ctx.Err(), context.Canceled):
		return platformerrors.Wrapf(ctx.Err(), platformerrors.CodeExecutionFailed, "%s was cancelled", binary)
	}

	var execErr *exec.ExecError
	if errors.As(err, &execErr) {
		msg := fmt.Sprintf("%s exited with code %d", binary, execErr.ExitCode)
		if line := lastLine(execErr.Stderr); line != "" {
			msg += ": " + line
		}
		return platformerrors.Wrap(err, platformerrors.CodeExecutionFailed, msg)
	}
	return platformerrors.Wrapf(err, platformerrors.CodeExecutionFailed, "cannot run %s", binary)
}

// lastLine returns the last non-empty line of s; nix reports the actual
// error after its evaluation trace.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
