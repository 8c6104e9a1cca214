package domain

import "errors"

// Sentinel errors shared across the engine. Handlers translate these to
// transport status codes; everything else is a 500.
var (
	// ErrInsufficientStake is returned when an unplant or sow exceeds the
	// account's planted balance.
	ErrInsufficientStake = errors.New("insufficient planted balance")

	// ErrNotFound is returned for operations on missing accounts or missing
	// (or already fully claimed) refund entries.
	ErrNotFound = errors.New("not found")

	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrMalformedDirective is returned when a deposit memo does not parse
	// to a known directive, or an account name fails the registry grammar.
	ErrMalformedDirective = errors.New("malformed directive")

	// ErrBudgetExceeded signals that a pipeline stage hit its batch budget
	// and must be re-invoked. It never escapes the engine: stages report
	// an incomplete pass instead.
	ErrBudgetExceeded = errors.New("batch budget exceeded")

	// ErrUnauthorized is returned when a privileged action is invoked
	// without the system credential.
	ErrUnauthorized = errors.New("unauthorized")
)
