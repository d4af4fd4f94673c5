package billfold

import "errors"

// ErrInvalidTransition is returned when an event is applied to an aggregate
// in an incompatible lifecycle position: creating one that already exists, or
// applying any event to one that was deleted or never created. It indicates a
// caller bug rather than bad input and is never silently swallowed.
var ErrInvalidTransition = errors.New("invalid aggregate transition")

// ErrVersionConflict is returned when a conditional write loses the race for
// a stream: the stream advanced between loading the head and committing.
var ErrVersionConflict = errors.New("stream version conflict")
