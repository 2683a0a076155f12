// Package lifecycle holds the state vocabularies shared by the origin scheduler and the
// destination extractors, along with the transitions each state machine allows.
package lifecycle

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// OutgoingState is the state of a transferable on the origin side.
type OutgoingState string

const (
	OutgoingPending  OutgoingState = "PENDING"
	OutgoingOngoing  OutgoingState = "ONGOING"
	OutgoingError    OutgoingState = "ERROR"
	OutgoingCanceled OutgoingState = "CANCELED"
	OutgoingSuccess  OutgoingState = "SUCCESS"
)

var outgoingTransitions = map[OutgoingState][]OutgoingState{
	OutgoingPending: {OutgoingOngoing, OutgoingSuccess, OutgoingError, OutgoingCanceled},
	OutgoingOngoing: {OutgoingSuccess, OutgoingError, OutgoingCanceled},
}

func (s OutgoingState) IsTerminal() bool {
	return s == OutgoingError || s == OutgoingCanceled || s == OutgoingSuccess
}

func (s OutgoingState) CanTransitionTo(to OutgoingState) bool {
	return contains(outgoingTransitions[s], to)
}

// RangeState is the transfer state of a single range on the origin.
type RangeState string

const (
	RangePending     RangeState = "PENDING"
	RangeTransferred RangeState = "TRANSFERRED"
	RangeCanceled    RangeState = "CANCELED"
	RangeError       RangeState = "ERROR"
)

var rangeTransitions = map[RangeState][]RangeState{
	RangePending: {RangeTransferred, RangeCanceled, RangeError},
}

func (s RangeState) CanTransitionTo(to RangeState) bool {
	return contains(rangeTransitions[s], to)
}

// RevocationState is the transfer state of a revocation on the origin.
type RevocationState string

const (
	RevocationPending     RevocationState = "PENDING"
	RevocationTransferred RevocationState = "TRANSFERRED"
	RevocationError       RevocationState = "ERROR"
)

var revocationTransitions = map[RevocationState][]RevocationState{
	RevocationPending: {RevocationTransferred, RevocationError},
}

func (s RevocationState) CanTransitionTo(to RevocationState) bool {
	return contains(revocationTransitions[s], to)
}

// IncomingState is the state of a transferable on the destination side.
type IncomingState string

const (
	IncomingOngoing IncomingState = "ONGOING"
	IncomingSuccess IncomingState = "SUCCESS"
	IncomingError   IncomingState = "ERROR"
	IncomingExpired IncomingState = "EXPIRED"
	IncomingRevoked IncomingState = "REVOKED"
)

var incomingTransitions = map[IncomingState][]IncomingState{
	IncomingOngoing: {IncomingSuccess, IncomingError, IncomingExpired, IncomingRevoked},
}

func (s IncomingState) IsTerminal() bool {
	return s != IncomingOngoing
}

func (s IncomingState) CanTransitionTo(to IncomingState) bool {
	return contains(incomingTransitions[s], to)
}

// RevocationReason is the reason an origin transferable was revoked. The numeric values
// are part of the wire format.
type RevocationReason uint8

const (
	ReasonUserCanceled RevocationReason = iota + 1
	ReasonSizeMismatch
	ReasonStorageFull
	ReasonUnexpectedError
	ReasonUploadInterrupted
)

var reasonNames = map[RevocationReason]string{
	ReasonUserCanceled:      "USER_CANCELED",
	ReasonSizeMismatch:      "SIZE_MISMATCH",
	ReasonStorageFull:       "STORAGE_FULL",
	ReasonUnexpectedError:   "UNEXPECTED_ERROR",
	ReasonUploadInterrupted: "UPLOAD_INTERRUPTED",
}

func (r RevocationReason) IsValid() bool {
	_, ok := reasonNames[r]
	return ok
}

func (r RevocationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN(%d)", uint8(r))
}

// OutgoingStateForReason is the terminal state an origin transferable moves to when it is
// revoked for reason.
func OutgoingStateForReason(r RevocationReason) OutgoingState {
	if r == ReasonUserCanceled {
		return OutgoingCanceled
	}

	return OutgoingError
}

// CheckTransition returns an error wrapping ErrInvalidTransition when from cannot move to to.
func CheckTransition[S ~string](from, to S, allowed func(S) bool) error {
	if !allowed(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

func contains[S comparable](states []S, s S) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}

	return false
}
