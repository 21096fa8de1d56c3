// Package budget tracks memory committed to loaded adapters and vector
// indexes against a fixed ceiling.
//
// All mutation goes through Reserve and Release. A Reservation is a token
// for an exact amount; releasing it twice is reported as ErrDoubleRelease
// and never corrupts the committed total.
//
// Events are emitted after the internal lock is released so handlers may
// call back into the Budget.
package budget
