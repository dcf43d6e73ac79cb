package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// Status is the lifecycle status of a saga instance.
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether the saga will never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrIllegalTransition is returned when an event would move the saga along an edge
// the state machine does not have.
var ErrIllegalTransition = errors.New("illegal saga transition")

const (
	transitionComplete   = "complete"
	transitionCompensate = "compensate"
	transitionFail       = "fail"
)

// statusEvents is the whole status graph: RUNNING→COMPLETED, RUNNING→COMPENSATING→FAILED.
var statusEvents = fsm.Events{
	{Name: transitionComplete, Src: []string{string(StatusRunning)}, Dst: string(StatusCompleted)},
	{Name: transitionCompensate, Src: []string{string(StatusRunning)}, Dst: string(StatusCompensating)},
	{Name: transitionFail, Src: []string{string(StatusCompensating)}, Dst: string(StatusFailed)},
}

// nextStatus runs one transition through the state machine.
func nextStatus(from Status, transition string) (Status, error) {
	machine := fsm.NewFSM(string(from), statusEvents, fsm.Callbacks{})
	if err := machine.Event(context.Background(), transition); err != nil {
		return from, fmt.Errorf("%w: %s from %s: %v", ErrIllegalTransition, transition, from, err)
	}
	return Status(machine.Current()), nil
}

// canTransition reports whether transition is legal from status.
func canTransition(from Status, transition string) bool {
	return fsm.NewFSM(string(from), statusEvents, fsm.Callbacks{}).Can(transition)
}
