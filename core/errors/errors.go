// Package errors defines the failure taxonomy shared by the rate control
// modules. Packages wrap these sentinels with context; callers match them with
// errors.Is.
package errors

import stderrors "errors"

var (
	ErrUnauthorized       = stderrors.New("ratecontrol: unauthorized")
	ErrNotDue             = stderrors.New("ratecontrol: update not yet due")
	ErrStaleInput         = stderrors.New("ratecontrol: stale input")
	ErrSourceUnavailable  = stderrors.New("ratecontrol: input source unavailable")
	ErrInvalidConfig      = stderrors.New("ratecontrol: invalid config")
	ErrNotFound           = stderrors.New("ratecontrol: not found")
	ErrOutOfRange         = stderrors.New("ratecontrol: index out of range")
	ErrAlreadyInitialized = stderrors.New("ratecontrol: already initialised")
)
