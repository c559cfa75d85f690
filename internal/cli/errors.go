package cli

import (
	"errors"
	"fmt"
)

// ExitError carries a process exit code out of a cobra RunE without calling
// os.Exit, so commands stay testable. Whatever the user needs to know has
// already been printed when it is returned.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// IsExitError extracts the exit code from err, if it carries one.
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
