package vaultcore

import "errors"

var (
	// ErrInvalidInput is returned when a caller supplies empty or
	// malformed parameters: an empty leaf set, a zero pool size, a
	// non-positive timelock delay or batching cap, and so on.
	ErrInvalidInput = errors.New("vaultcore: invalid input")

	// ErrKeyAlreadyUsed is returned when a spend is prepared against a
	// one-time key record whose used flag is already set. The record is
	// never unmarked; the caller must move on to a fresh index.
	ErrKeyAlreadyUsed = errors.New("vaultcore: one-time key already used")

	// ErrNoMatchingPath is returned when a spend request names a script
	// leaf kind that the descriptor tree does not contain, or names a
	// timelock path without asserting that the delay has elapsed.
	ErrNoMatchingPath = errors.New("vaultcore: no matching script path")

	// ErrInsufficientFunds is returned when accumulating every available
	// UTXO still cannot cover the requested target plus estimated fees.
	ErrInsufficientFunds = errors.New("vaultcore: insufficient funds")

	// ErrMalformedProof is returned on structural proof mismatches, such
	// as a proof longer than the tree height or an import whose rebuilt
	// root disagrees with the stored one. Note that an ordinary failed
	// verification is a boolean result, not an error.
	ErrMalformedProof = errors.New("vaultcore: malformed proof")
)
