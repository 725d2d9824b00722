package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation error")
	ErrInvalidState = errors.New("invalid state transition")
	ErrDecrypt      = errors.New("decryption failed")
)

// InvalidFlowTypeError is raised at the boundary where a stored string is
// converted to a FlowType.
type InvalidFlowTypeError struct {
	Value string
}

func (e *InvalidFlowTypeError) Error() string {
	return fmt.Sprintf("invalid guided flow type: %q (expected one of: %v)", e.Value, FlowTypes())
}

// InvalidFlowStateError is raised at the boundary where a stored string is
// converted to a FlowState.
type InvalidFlowStateError struct {
	Value string
}

func (e *InvalidFlowStateError) Error() string {
	return fmt.Sprintf("invalid guided flow state: %q (expected one of: %v)", e.Value, FlowStates())
}

// InvalidArtifactTypeError is raised when a stored string is not a known
// context artifact type.
type InvalidArtifactTypeError struct {
	Value string
}

func (e *InvalidArtifactTypeError) Error() string {
	return fmt.Sprintf("invalid context artifact type: %q (expected one of: %v)", e.Value, ArtifactTypes())
}

// DecryptError wraps ErrDecrypt with the identity of the record whose field
// could not be opened. It is fatal for that record and must never be treated
// as "no data".
type DecryptError struct {
	RecordKey string
	Cause     error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("record %s: %v", e.RecordKey, e.Cause)
}

func (e *DecryptError) Unwrap() error { return ErrDecrypt }
