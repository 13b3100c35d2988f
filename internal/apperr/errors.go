// Package apperr defines the error taxonomy shared by the control plane.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindDuplicateIdentifier Kind = "duplicate_identifier"
	KindNotFound            Kind = "not_found"
	KindAuth                Kind = "auth"
	KindPartialProvisioning Kind = "partial_provisioning"
	KindSchemaIntegrity     Kind = "schema_integrity"
	KindInternal            Kind = "internal"
)

// Error carries a Kind plus a short, non-leaking Code safe to hand to callers.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and, when the target has one, the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Resolver failures. Codes are what the HTTP layer returns.
var (
	ErrInvalidToken     = &Error{Kind: KindAuth, Code: "invalid_token"}
	ErrExpiredToken     = &Error{Kind: KindAuth, Code: "expired_token"}
	ErrUnknownNamespace = &Error{Kind: KindAuth, Code: "unknown_namespace"}
	ErrUnknownPrincipal = &Error{Kind: KindAuth, Code: "unknown_principal"}
	ErrTenantInactive   = &Error{Kind: KindAuth, Code: "tenant_inactive"}
	ErrResolveTimeout   = &Error{Kind: KindAuth, Code: "resolve_timeout"}
	ErrInvalidNamespace = &Error{Kind: KindValidation, Code: "invalid_namespace"}
)

// Kind sentinels for errors.Is checks that do not care about the code.
var (
	Validation          = &Error{Kind: KindValidation}
	DuplicateIdentifier = &Error{Kind: KindDuplicateIdentifier}
	NotFound            = &Error{Kind: KindNotFound}
	Auth                = &Error{Kind: KindAuth}
	PartialProvisioning = &Error{Kind: KindPartialProvisioning}
	SchemaIntegrity     = &Error{Kind: KindSchemaIntegrity}
)

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: "invalid_input", Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Code: "not_found", Msg: fmt.Sprintf(format, args...)}
}

func Duplicate(what string, err error) error {
	return &Error{Kind: KindDuplicateIdentifier, Code: "duplicate_identifier", Msg: what + " already exists", Err: err}
}

func SchemaIntegrityf(err error, format string, args ...any) error {
	return &Error{Kind: KindSchemaIntegrity, Code: "schema_integrity", Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithCause returns a copy of a sentinel with an underlying cause attached.
func WithCause(sentinel *Error, err error) error {
	cp := *sentinel
	cp.Err = err
	return &cp
}

// KindOf reports the Kind of err, KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the caller-facing code of err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicateIdentifier:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Postgres SQLSTATE codes the control plane reacts to.
const (
	PgUniqueViolation = "23505"
	PgDuplicateSchema = "42P06"
	PgDuplicateTable  = "42P07"
	PgDuplicateObject = "42710"
)

// PgCode extracts the SQLSTATE from a lib/pq error, "" otherwise.
func PgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
