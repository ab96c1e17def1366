// Package hetexec is the public API for the heterogeneous dataflow
// execution runtime: it assembles the internal mbuf exchange service,
// scheduler task builder, and model executors into one facade, the way
// go-ublk's root package assembles queue runners and a control-plane
// connection behind Device / CreateAndServe.
package hetexec

import (
	"errors"
	"fmt"
)

// StatusCode is the §7 error-handling taxonomy.
type StatusCode string

const (
	StatusParamInvalid         StatusCode = "param invalid"
	StatusDriverErrorRetriable StatusCode = "driver error (retriable)"
	StatusDriverErrorFatal     StatusCode = "driver error (fatal)"
	StatusEndOfSequence        StatusCode = "end of sequence"
	StatusNullData             StatusCode = "null data"
	StatusModelRetCode         StatusCode = "model ret_code"
	StatusExhausted            StatusCode = "trans-id space exhausted"
	StatusTimeout              StatusCode = "timeout"
)

// Error is a structured runtime error with enough context to diagnose a
// failure without string-matching: the operation, the (device, queue) it
// concerns, the status category, and the wrapped cause.
type Error struct {
	Op       string // Operation that failed (e.g. "Enqueue", "LoadModel")
	DeviceID int32  // Device ID (0 if not applicable)
	QueueID  uint32 // Queue ID (0 if not applicable)
	Code     StatusCode
	Msg      string
	Inner    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceID != 0 {
		parts = append(parts, fmt.Sprintf("device=%d", e.DeviceID))
	}
	if e.QueueID != 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.QueueID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("hetexec: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("hetexec: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is by comparing status codes.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a new structured error with no device/queue context.
func NewError(op string, code StatusCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDeviceError creates a new device-scoped error.
func NewDeviceError(op string, deviceID int32, code StatusCode, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, Code: code, Msg: msg}
}

// NewQueueError creates a new (device, queue)-scoped error.
func NewQueueError(op string, deviceID int32, queueID uint32, code StatusCode, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, QueueID: queueID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with runtime context, preserving the
// original as Inner so errors.Is/As keep working through the chain.
func WrapError(op string, code StatusCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if he, ok := inner.(*Error); ok {
		return &Error{
			Op:       op,
			DeviceID: he.DeviceID,
			QueueID:  he.QueueID,
			Code:     code,
			Msg:      he.Msg,
			Inner:    he,
		}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or something it wraps) carries the given
// status code.
func IsCode(err error, code StatusCode) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}
