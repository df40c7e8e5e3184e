// Package taskerr defines the error kinds shared across the engine.
// Callers classify failures with errors.Is; the concrete message travels
// alongside via wrapping.
package taskerr

import "errors"

var (
	// ErrValidation marks bad input: unknown task name, illegal state
	// transition, malformed request. Task state is never changed.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a persistence write conflict. Mutate callers retry
	// up to three times before surfacing it.
	ErrConflict = errors.New("write conflict")

	// ErrBranchInUse marks a workspace collision: another active task
	// already holds the (root, branch) pair.
	ErrBranchInUse = errors.New("branch already in use")

	// ErrReclaimBlocked marks a workspace reclaim whose pre-removal commit
	// failed. The workspace is left intact.
	ErrReclaimBlocked = errors.New("workspace reclaim blocked")

	// ErrSubprocessSpawnFailed marks an assistant binary that could not be
	// started.
	ErrSubprocessSpawnFailed = errors.New("assistant spawn failed")

	// ErrAssistantTimeout marks an assistant subprocess that produced no
	// event within the idle window.
	ErrAssistantTimeout = errors.New("assistant idle timeout")

	// ErrChunkTooLarge marks an NDJSON record exceeding the line buffer.
	// It is recoverable: the record is dropped and the stream continues.
	ErrChunkTooLarge = errors.New("ndjson record too large")

	// ErrStorageUnavailable marks an unreachable persistence gateway.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSubscriberLagged marks a fan-out subscriber whose buffer
	// overflowed. The subscriber is dropped; the publisher is unaffected.
	ErrSubscriberLagged = errors.New("subscriber lagged")
)
