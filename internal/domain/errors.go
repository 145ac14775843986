package domain

import (
	"errors"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is()
// ──────────────────────────────────────────────────────────────────────────────

// Market / settlement errors
var (
	// ErrMarketNotFound is returned when no market matches the given id.
	ErrMarketNotFound = errors.New("market not found")

	// ErrMarketAlreadyResolved is returned when settlement is attempted on a
	// market that has already been settled. Callers treat this as an
	// idempotent no-op, not a failure.
	ErrMarketAlreadyResolved = errors.New("market is already resolved")

	// ErrMarketNotClosed is returned when settlement is attempted on a market
	// that is not CLOSED (still open, or closed without an outcome set).
	ErrMarketNotClosed = errors.New("market is not closed for settlement")

	// ErrInvalidOutcome is returned when the resolution outcome is not Yes or No.
	ErrInvalidOutcome = errors.New("invalid outcome: must be Yes or No")

	// ErrBetNotFound is returned when no bet matches the given id.
	ErrBetNotFound = errors.New("bet not found")

	// ErrBetAlreadySettled is returned when a result write targets a bet that
	// is no longer PENDING.
	ErrBetAlreadySettled = errors.New("bet is already settled")
)

// Transaction / ledger errors
var (
	// ErrTransactionNotFound is returned when no transaction matches the given
	// id or correlation reference.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionNotPending is returned when a dispatch or status flip is
	// attempted on a transaction that already reached a final state.
	ErrTransactionNotPending = errors.New("transaction is not pending")

	// ErrDuplicateExternalRef is returned when a transaction insert collides
	// on the unique external reference.
	ErrDuplicateExternalRef = errors.New("duplicate external reference")

	// ErrUserNotFound is returned when no user matches the given id.
	ErrUserNotFound = errors.New("user not found")
)

// Auth errors
var (
	// ErrUnauthorized is returned when a valid token is not present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the authenticated user lacks the staff role.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature does not match.
	ErrTokenInvalid = errors.New("token is invalid")
)

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

// notFoundErrors collects all "entity not found" sentinel errors so that
// IsNotFound can stay in sync automatically.
var notFoundErrors = []error{
	ErrMarketNotFound,
	ErrBetNotFound,
	ErrTransactionNotFound,
	ErrUserNotFound,
}

// IsNotFound returns true when err (or any error in its chain) is one of the
// domain "not found" errors. Use this instead of comparing error values
// directly when translating domain errors to HTTP 404 responses.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConflict returns true for errors that represent a state conflict
// (double settlement, premature settlement, duplicate reference).
func IsConflict(err error) bool {
	conflictErrors := []error{
		ErrMarketAlreadyResolved,
		ErrMarketNotClosed,
		ErrBetAlreadySettled,
		ErrTransactionNotPending,
		ErrDuplicateExternalRef,
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
