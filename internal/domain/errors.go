package domain

import "errors"

// ErrorKind classifies lifecycle failures so the API layer can map them to
// status codes without parsing messages.
type ErrorKind string

const (
	ErrAlreadyExists      ErrorKind = "already_exists"
	ErrNotFound           ErrorKind = "not_found"
	ErrPortsExhausted     ErrorKind = "ports_exhausted"
	ErrInvalidName        ErrorKind = "invalid_name"
	ErrInvalidPort        ErrorKind = "invalid_port"
	ErrArtifactGeneration ErrorKind = "artifact_generation_failed"
	ErrArtifactsMissing   ErrorKind = "artifacts_missing"
	ErrSpawnFailed        ErrorKind = "spawn_failed"
	ErrInternal           ErrorKind = "internal"
)

// Error carries a machine-readable kind plus human-readable detail.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Detail + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a structured error.
func E(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds a structured error around an underlying cause.
func Wrap(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the ErrorKind from err, or ErrInternal if err carries none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
