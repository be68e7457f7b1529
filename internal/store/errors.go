package store

import (
	"errors"
	"fmt"
)

// Root kinds. Anything that matches neither is treated as a transient
// persistence failure.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)

var (
	ErrStockNotFound      = Validation("stock not found")
	ErrAccountNotFound    = Validation("account not found")
	ErrInsufficientFunds  = Validation("insufficient funds")
	ErrInsufficientShares = Validation("insufficient shares")
	ErrInvalidPrice       = Validation("price must be > 0")
	ErrInvalidQuantity    = Validation("quantity must be > 0")
	ErrInvalidRisk        = Validation("risk must be low, moderate or high")
	ErrInvalidSide        = Validation("side must be BUY or SELL")
	ErrUnknownSetting     = Validation("unknown setting")
	ErrDuplicateTicker    = Conflict("ticker already exists")
	ErrAccountExists      = Conflict("account already exists")
	ErrTxConflict         = errors.New("transaction conflict, retry later")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func Validation(msg string) error {
	return &kindError{kind: ErrValidation, msg: msg}
}

func Validationf(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

func Conflict(msg string) error {
	return &kindError{kind: ErrConflict, msg: msg}
}

func Conflictf(format string, args ...any) error {
	return &kindError{kind: ErrConflict, msg: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is neither a validation nor a conflict
// error.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrConflict)
}

// ShortfallError reports a failed sufficiency check. Ticker is empty for a
// cash shortfall.
type ShortfallError struct {
	UserID string
	Ticker string
	Have   float64
	Need   float64
}

func (e *ShortfallError) Error() string {
	if e.Ticker == "" {
		return fmt.Sprintf("insufficient funds: user %s has $%.2f, needs $%.2f", e.UserID, e.Have, e.Need)
	}
	return fmt.Sprintf("insufficient shares: user %s holds %.0f %s, needs %.0f", e.UserID, e.Have, e.Ticker, e.Need)
}

func (e *ShortfallError) Short() float64 {
	return e.Need - e.Have
}

func (e *ShortfallError) Unwrap() error {
	if e.Ticker == "" {
		return ErrInsufficientFunds
	}
	return ErrInsufficientShares
}
