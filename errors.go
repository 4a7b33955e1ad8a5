package kci

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a structured KCI error with protocol context
type Error struct {
	Op      string         // Operation that failed (e.g., "FIRMWARE_INFO", "push_cmd")
	Mailbox int            // Mailbox index (-1 if not applicable)
	Seq     int64          // Command sequence number (-1 if not applicable)
	Code    ErrorCode      // High-level error category
	Fw      FirmwareStatus // Firmware status code (FwOK if not applicable)
	Msg     string         // Human-readable message
	Inner   error          // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Mailbox >= 0 {
		parts = append(parts, fmt.Sprintf("mailbox=%d", e.Mailbox))
	}

	if e.Seq >= 0 {
		parts = append(parts, fmt.Sprintf("seq=%d", e.Seq))
	}

	if e.Fw != FwOK {
		parts = append(parts, fmt.Sprintf("fw=%d", e.Fw))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("kci: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("kci: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support: two errors match when their categories do
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeTimeout         ErrorCode = "timeout"
	ErrCodeNoResponse      ErrorCode = "no response"
	ErrCodeClosed          ErrorCode = "engine closed"
	ErrCodeQueueFull       ErrorCode = "queue full"
	ErrCodeInvalidArgument ErrorCode = "invalid argument"
	ErrCodeFirmware        ErrorCode = "firmware error"
	ErrCodeNoMemory        ErrorCode = "out of memory"
)

// Sentinel targets for errors.Is. Matching is by category, so any
// structured error with the same Code matches.
var (
	ErrTimeout    = &Error{Code: ErrCodeTimeout, Mailbox: -1, Seq: -1}
	ErrNoResponse = &Error{Code: ErrCodeNoResponse, Mailbox: -1, Seq: -1}
	ErrClosed     = &Error{Code: ErrCodeClosed, Mailbox: -1, Seq: -1}
	ErrQueueFull  = &Error{Code: ErrCodeQueueFull, Mailbox: -1, Seq: -1}
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:      op,
		Mailbox: -1,
		Seq:     -1,
		Code:    code,
		Msg:     msg,
	}
}

// NewSeqError creates a new error tied to a specific command sequence
func NewSeqError(op string, seq uint64, code ErrorCode, msg string) *Error {
	return &Error{
		Op:      op,
		Mailbox: -1,
		Seq:     int64(seq),
		Code:    code,
		Msg:     msg,
	}
}

// NewFirmwareError creates an error for a non-OK firmware status
func NewFirmwareError(op string, seq uint64, fw FirmwareStatus) *Error {
	return &Error{
		Op:      op,
		Mailbox: -1,
		Seq:     int64(seq),
		Code:    ErrCodeFirmware,
		Fw:      fw,
		Msg:     fmt.Sprintf("firmware returned status %d", fw),
	}
}

// WrapError wraps an existing error with KCI context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ke, ok := inner.(*Error); ok {
		return &Error{
			Op:      op,
			Mailbox: ke.Mailbox,
			Seq:     ke.Seq,
			Code:    ke.Code,
			Fw:      ke.Fw,
			Msg:     ke.Msg,
			Inner:   ke.Inner,
		}
	}

	return &Error{
		Op:      op,
		Mailbox: -1,
		Seq:     -1,
		Code:    ErrCodeFirmware,
		Msg:     inner.Error(),
		Inner:   inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}

// IsFirmwareStatus checks if an error carries a specific firmware status
func IsFirmwareStatus(err error, fw FirmwareStatus) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == ErrCodeFirmware && ke.Fw == fw
	}
	return false
}
