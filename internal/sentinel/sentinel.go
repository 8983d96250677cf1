// Package sentinel holds the error kinds shared by the stores, the session
// state machine and the reconciliation engine. Callers wrap them with
// fmt.Errorf and test with errors.Is.
package sentinel

import "errors"

var (
	// ErrStorageUnavailable wraps any failure talking to the relational store.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound marks an expected row that is absent. Stores normally return
	// nil, nil instead; this is for callers that need an error value.
	ErrNotFound = errors.New("not found")
	// ErrPolicyBlocked marks an action that was computed but suppressed by a flag.
	ErrPolicyBlocked = errors.New("blocked by policy")
	// ErrExternalAPI wraps failures from the community platform or mail transport.
	ErrExternalAPI = errors.New("external api failure")
	// ErrValidation marks malformed user input. No state is mutated.
	ErrValidation = errors.New("validation failed")
	// ErrWrongFlagType is returned when a flag is read as a kind it was not stored as.
	ErrWrongFlagType = errors.New("wrong flag type")
)
