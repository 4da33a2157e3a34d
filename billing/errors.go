// Package billing holds the lesson billing rules: the status state machine, the
// attendance outcome policy, money arithmetic and the error taxonomy shared by the
// payment, wallet and settlement layers.
package billing

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindStateConflict
	KindInsufficientFunds
	KindExternalProcessor
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindExternalProcessor:
		return "external_processor"
	}
	return "unknown"
}

// Class separates caller mistakes from outcomes that may succeed on retry.
type Class int

const (
	ClassTerminal Class = iota
	ClassCaller
	ClassRetryable
)

type Error struct {
	Kind      Kind
	Code      string
	Op        string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, code, message string) error {
	return &Error{Kind: KindValidation, Op: op, Code: code, Message: message}
}

func NotFound(op, code, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Code: code, Message: message}
}

func StateConflict(op, code, message string) error {
	return &Error{Kind: KindStateConflict, Op: op, Code: code, Message: message}
}

func InsufficientFunds(op string, err error) error {
	return &Error{Kind: KindInsufficientFunds, Op: op, Code: "insufficient_funds", Message: "insufficient wallet balance", Err: err}
}

func External(op, code string, retryable bool, err error) error {
	return &Error{Kind: KindExternalProcessor, Op: op, Code: code, Message: "external processor error", Retryable: retryable, Err: err}
}

// KindOf returns the kind of the first billing error in err's chain.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func ClassOf(err error) Class {
	var be *Error
	if !errors.As(err, &be) {
		return ClassTerminal
	}
	switch be.Kind {
	case KindValidation, KindNotFound, KindInsufficientFunds:
		return ClassCaller
	case KindExternalProcessor:
		if be.Retryable {
			return ClassRetryable
		}
	}
	return ClassTerminal
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
