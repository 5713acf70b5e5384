package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the parent of every request validation failure.
	ErrValidation = errors.New("validation failed")

	ErrInvalidCron    = fmt.Errorf("%w: invalid cron expression", ErrValidation)
	ErrPastInstant    = fmt.Errorf("%w: scheduled time must be in the future", ErrValidation)
	ErrInvalidPayload = fmt.Errorf("%w: invalid notification", ErrValidation)

	ErrNotFound = errors.New("job not found")
)
