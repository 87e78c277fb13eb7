package jobs

import (
	"errors"
	"fmt"

	"murmur/internal/model"
)

// ErrInvalidTransition is returned when a status change is not an edge of
// the job state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the allowed edges of the job state machine. Terminal
// states have no outgoing edges.
var transitions = map[model.Status][]model.Status{
	model.StatusQueued:     {model.StatusProcessing, model.StatusCancelled},
	model.StatusProcessing: {model.StatusCompleted, model.StatusFailed, model.StatusCancelled},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to model.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to model.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
