package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("order validation failed")
	ErrRiskRejected      = errors.New("order rejected by pre-trade risk check")
	ErrVenueTransient    = errors.New("transient venue error")
	ErrVenuePermanent    = errors.New("permanent venue error")
	ErrSlippageExceeded  = errors.New("slippage exceeds configured maximum")
	ErrExpired           = errors.New("order expired")
	ErrNoVenueAvailable  = errors.New("no venue available")
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order already in terminal state")
	ErrQuantityExceeded  = errors.New("executed quantity would exceed order quantity")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrUnsupportedStyle  = errors.New("unsupported order style")
	ErrIcebergLazy       = errors.New("iceberg slices are generated one at a time")
	ErrEngineStopped     = errors.New("execution engine is shut down")
)

// ValidationError 单个字段的校验失败
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// VenueError 场所调用失败，区分可重试与不可重试
type VenueError struct {
	VenueID   string
	Op        string
	Transient bool
	Err       error
}

func (e *VenueError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("venue %s %s (%s): %v", e.VenueID, e.Op, kind, e.Err)
}

func (e *VenueError) Unwrap() []error {
	if e.Transient {
		return []error{ErrVenueTransient, e.Err}
	}
	return []error{ErrVenuePermanent, e.Err}
}

// NewTransientError 网络抖动、限流、超时等可重试错误
func NewTransientError(venueID, op string, err error) error {
	return &VenueError{VenueID: venueID, Op: op, Transient: true, Err: err}
}

// NewPermanentError 拒单、余额不足、未知交易对等不可重试错误
func NewPermanentError(venueID, op string, err error) error {
	return &VenueError{VenueID: venueID, Op: op, Err: err}
}

// IsTransient 是否可重试
func IsTransient(err error) bool {
	return errors.Is(err, ErrVenueTransient)
}
