// Package apperrors re-exports github.com/cockroachdb/errors for the rest
// of the module, giving every error a stack trace, wrap chain and
// PII-safe detail support without every package importing cockroachdb
// directly.
//
// Usage:
//
//	err := apperrors.New("decode failed")
//	err = apperrors.WithDetail(err, "frame too small: 42 bytes")
//	if apperrors.GetCode(err) == apperrors.CodeValidation { ... }
package apperrors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

var (
	Is            = crdb.Is
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapOnce    = crdb.UnwrapOnce
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Code classifies an error for client-visible responses and metrics,
// per the taxonomy in the control-plane error handling design.
type Code string

const (
	CodeValidation Code = "validation_error"
	CodeTransient  Code = "transient_external_error"
	CodeInternal   Code = "internal_processing_error"
	CodeCapacity   Code = "capacity_error"
	CodeCritical   Code = "critical_error"
	CodeShutdown   Code = "shutdown_error"
)

// codedError attaches a Code to an underlying error without disturbing its
// wrap chain, stack trace or message.
type codedError struct {
	error
	code Code
}

func (c *codedError) Unwrap() error { return c.error }

// WithCode attaches a Code to err for later retrieval via GetCode.
func WithCode(err error, code Code) error {
	if err == nil {
		return nil
	}
	return &codedError{error: err, code: code}
}

// GetCode returns the Code attached via WithCode, walking the wrap chain,
// or CodeInternal if none was attached — internal errors are the
// conservative default since they are never retried automatically and
// always degrade gracefully.
func GetCode(err error) Code {
	for e := err; e != nil; e = crdb.UnwrapOnce(e) {
		if c, ok := e.(*codedError); ok {
			return c.code
		}
	}
	return CodeInternal
}
