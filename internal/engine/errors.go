package engine

import (
	"errors"
	"fmt"
)

// ErrNoGain means a trailing exit was requested while the position shows no
// favorable movement. No order is placed; the position simply keeps its
// current protection.
var ErrNoGain = errors.New("no gain to trail")

// ErrConfirmationExhausted means the broker kept asking for confirmation past
// the round budget. The order must be treated as not live.
var ErrConfirmationExhausted = errors.New("confirmation rounds exhausted")

// ErrConfirmationRejected covers explicit broker rejections and prompts the
// negotiator refuses to auto-affirm.
var ErrConfirmationRejected = errors.New("confirmation rejected")

// ErrUnmatchedEvent marks order events that map to no tracked record. They
// are logged and dropped, never applied.
var ErrUnmatchedEvent = errors.New("unmatched order event")

func rejectedErr(reason string) error {
	return fmt.Errorf("%w: %s", ErrConfirmationRejected, reason)
}
