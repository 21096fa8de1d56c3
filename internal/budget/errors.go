package budget

import "errors"

var (
	// ErrBudgetExceeded indicates a reservation would push committed memory past the ceiling.
	ErrBudgetExceeded = errors.New("memory budget exceeded")

	// ErrDoubleRelease indicates a reservation was already released.
	ErrDoubleRelease = errors.New("reservation already released")

	// ErrUnknownReservation indicates a reservation that was not issued by this budget.
	ErrUnknownReservation = errors.New("unknown reservation")

	// ErrInvalidSize indicates a non-positive reservation size.
	ErrInvalidSize = errors.New("reservation size must be positive")

	// ErrInvalidCeiling indicates a non-positive ceiling.
	ErrInvalidCeiling = errors.New("budget ceiling must be positive")
)
