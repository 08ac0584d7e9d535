package dispatch

import "errors"

// ErrCanceled is the StepResult.Err Step reports when Cancel was called
// before the next block could start.
var ErrCanceled = errors.New("dispatch: loop canceled")
