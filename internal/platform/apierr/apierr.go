package apierr

import (
	"fmt"
	"net/http"
)

// Kind is the machine-readable error_kind taxonomy from the orchestration
// kernel's design (§7): every failure surfaced across a component boundary
// carries one of these.
type Kind string

const (
	KindInvalidParams          Kind = "invalid_params"
	KindResourceMissing        Kind = "resource_missing"
	KindDuplicate              Kind = "duplicate"
	KindUnknownHandler         Kind = "unknown_handler"
	KindHandlerError           Kind = "handler_error"
	KindTransientBrokerError   Kind = "transient_broker_error"
	KindTransientDBError       Kind = "transient_db_error"
	KindParentCancelled        Kind = "parent_cancelled"
	KindPoison                 Kind = "poison"
)

// HTTPStatus maps an error_kind onto the HTTP status a client-facing
// response should carry. Kinds that never cross the HTTP boundary
// (unknown_handler, handler_error, transient_*, parent_cancelled, poison)
// map to 500 as a safe default; callers at the dispatch layer never
// translate these to HTTP in the first place.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidParams, KindResourceMissing:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Status int
	Code   string
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Of builds an Error from a taxonomy Kind, deriving Status and Code from it.
func Of(kind Kind, err error) *Error {
	return &Error{Status: kind.HTTPStatus(), Code: string(kind), Kind: kind, Err: err}
}
