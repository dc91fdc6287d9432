package types

import "errors"

var (
	// ErrInvalidInput marks caller errors: zero amounts, zero addresses,
	// zero block horizon, health factor below the configured minimum.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStaleQuote is returned when market state moved between quote and execution.
	ErrStaleQuote = errors.New("stale quote")
	// ErrExecutionFailure wraps rejections from the underlying protocol.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrLedgerInconsistency signals that recorded totals disagree with observed balances.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	// ErrSourceUnavailable is returned by market data sources and oracles.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMarketNotListed is returned when a platform has no market for an asset.
	ErrMarketNotListed = errors.New("market not listed")
	ErrNoAdapter        = errors.New("no adapter registered for pair")
	ErrPositionNotFound = errors.New("position not found")
)
