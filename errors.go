package fhirsmith

import (
	"errors"
	"strings"
)

// Error is the fhirsmith error domain type.
//
// Errors coming from fhirsmith components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of fhirsmith components should create an Error at the system
// boundary (e.g. when using a database client or reading a file) and
// intermediate layers should not wrap in another Error except to add additional
// [ErrorKind] information. That is to say, use [fmt.Errorf] with a "%w" verb in
// preference to creating a containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case ErrInvalidParameter, ErrNotFound, ErrNotSupported, ErrVersionInconsistent,
		ErrPackageFetchFailed, ErrExtractFailed, ErrIndexCorrupt, ErrLoadFailed,
		ErrTooCostly, ErrUpstreamUnavailable, ErrAuthenticationFailed, ErrInternal:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// If an error is unsure which kind to use, ErrInternal should be used.
//
// The set is the taxonomy from SPEC_FULL.md §7; the OperationOutcome issue
// code and HTTP status each kind maps to live in dispatcher/outcome.go, the
// one place that should need to switch on all of them.
type ErrorKind string

// Defined error kinds.
var (
	ErrInvalidParameter     = ErrorKind("invalid-parameter")     // malformed/conflicting request parameter
	ErrNotFound             = ErrorKind("not-found")             // resource, code, or version not found
	ErrNotSupported         = ErrorKind("not-supported")         // operation or media type not supported
	ErrVersionInconsistent  = ErrorKind("version-inconsistent")  // system|version mismatch across parameters
	ErrPackageFetchFailed   = ErrorKind("package-fetch-failed")  // recoverable: caller should try the next server
	ErrExtractFailed        = ErrorKind("extract-failed")        // tarball extraction did not complete
	ErrIndexCorrupt         = ErrorKind("index-corrupt")         // package index missing required fields
	ErrLoadFailed           = ErrorKind("load-failed")           // resource file missing or unparseable
	ErrTooCostly            = ErrorKind("too-costly")            // operation context deadline exceeded
	ErrUpstreamUnavailable  = ErrorKind("upstream-unavailable")  // recoverable: serve cached/stale data
	ErrAuthenticationFailed = ErrorKind("authentication-failed") // upstream rejected credentials
	ErrInternal             = ErrorKind("internal")              // non-specific internal error
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}
