package server

import "errors"

// The coordination core reports every failure as one of these sentinels,
// usually wrapped with item context. Callers branch with errors.Is.
var (
	// ErrInvalidInput rejects malformed creation parameters. Not retryable.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound reports an unknown item id.
	ErrNotFound = errors.New("audit item not found")
	// ErrUnauthorized reports a caller without the required capability.
	ErrUnauthorized = errors.New("caller is not authorized")

	// Conflict family: the caller acted on stale state.
	ErrAlreadyEnrolled  = errors.New("auditor already enrolled")
	ErrEnrollmentClosed = errors.New("enrollment is closed")
	ErrAlreadyAssigned  = errors.New("auditors already assigned")
	ErrDuplicateResult  = errors.New("result already submitted for slot")

	// ErrSelfEnrollment rejects a producer volunteering on its own item.
	ErrSelfEnrollment = errors.New("producer cannot audit its own item")
	// ErrInsufficientAuditors rejects assignment with an empty pool.
	ErrInsufficientAuditors = errors.New("no auditors enrolled")
	// ErrNotAssigned rejects result submission before an assignment exists.
	ErrNotAssigned = errors.New("no assignment exists for item")
	// ErrItemCancelled rejects actions on a cancelled item.
	ErrItemCancelled = errors.New("audit item cancelled")
	// ErrInvalidState rejects a lifecycle action the current state forbids.
	ErrInvalidState = errors.New("action not valid in current state")
	// ErrLedgerFailure wraps escrow/transfer failures. Retryable with the
	// same transfer key; never applied partially to registry state.
	ErrLedgerFailure = errors.New("ledger operation failed")
	// ErrStorageFailure wraps persistence failures. The in-memory mutation
	// is rolled back, so the command is retryable as a whole.
	ErrStorageFailure = errors.New("storage operation failed")
)
