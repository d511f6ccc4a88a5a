package consensus

import (
	"fmt"
)

// the error classes the core distinguishes; only window exhaustion
// and execution failures ever surface to clients
type MalformedMessageError struct{ reason string }

func NewMalformedMessageError(reason string) *MalformedMessageError {
	return &MalformedMessageError{reason: reason}
}
func (e *MalformedMessageError) Error() string { return "malformed message: " + e.reason }

type DuplicateProposalError struct{ hash []byte }

func NewDuplicateProposalError(hash []byte) *DuplicateProposalError {
	return &DuplicateProposalError{hash: hash}
}
func (e *DuplicateProposalError) Error() string {
	return fmt.Sprintf("request %x already proposed", e.hash)
}

type WindowExhaustedError struct{}

func NewWindowExhaustedError() *WindowExhaustedError { return &WindowExhaustedError{} }
func (e *WindowExhaustedError) Error() string        { return "sequence window exhausted" }

type QuorumMissingError struct{ reason string }

func NewQuorumMissingError(reason string) *QuorumMissingError {
	return &QuorumMissingError{reason: reason}
}
func (e *QuorumMissingError) Error() string { return "quorum missing: " + e.reason }

type StaleViewError struct {
	msgView uint64
	curView uint64
}

func NewStaleViewError(msgView uint64, curView uint64) *StaleViewError {
	return &StaleViewError{msgView: msgView, curView: curView}
}
func (e *StaleViewError) Error() string {
	return fmt.Sprintf("message view %v does not match current view %v", e.msgView, e.curView)
}

type ConflictingPrePrepareError struct{ seq uint64 }

func NewConflictingPrePrepareError(seq uint64) *ConflictingPrePrepareError {
	return &ConflictingPrePrepareError{seq: seq}
}
func (e *ConflictingPrePrepareError) Error() string {
	return fmt.Sprintf("conflicting pre-prepare for seq %v", e.seq)
}
