package models

import (
	"errors"
	"fmt"
)

var (
	// ErrMarginCritical is raised by the inventory tracker when the margin ratio is below the floor.
	ErrMarginCritical = errors.New("margin ratio below floor")
	// ErrHalted is returned for work refused because the guard is HALTED.
	ErrHalted = errors.New("trading halted")
	// ErrUnknownOrder is returned by exchanges for cancels of orders they no longer know.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrAuthentication is an unrecoverable credential failure. Fatal.
	ErrAuthentication = errors.New("exchange authentication failed")
)

// Error 定义了交易所API返回的错误
type Error struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("<APIError> code=%d, msg=%s", e.Code, e.Msg)
}

// ConfigError is a malformed or missing configuration field. Fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// MarketDataError is a stale, missing or implausible feed reading.
type MarketDataError struct {
	Source string
	Reason string
}

func (e *MarketDataError) Error() string {
	return fmt.Sprintf("market data %s: %s", e.Source, e.Reason)
}

// OrderRejection is an exchange refusal of a placement or cancel.
// Permanent rejections (tick size, post-only cross) are not retried.
type OrderRejection struct {
	Code      int64
	Msg       string
	Permanent bool
}

func (e *OrderRejection) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("order rejected (%s) code=%d: %s", kind, e.Code, e.Msg)
}

// IsPermanentRejection reports whether err carries a permanent OrderRejection.
func IsPermanentRejection(err error) bool {
	var rej *OrderRejection
	return errors.As(err, &rej) && rej.Permanent
}

// RiskLimitBreach is a margin, drawdown or loss limit crossing.
type RiskLimitBreach struct {
	Limit     string
	Value     float64
	Threshold float64
	Err       error
}

func (e *RiskLimitBreach) Error() string {
	return fmt.Sprintf("risk limit %s breached: %.4f vs %.4f", e.Limit, e.Value, e.Threshold)
}

func (e *RiskLimitBreach) Unwrap() error { return e.Err }

// PersistenceError wraps a failed metrics or parameter write. Never fatal.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
