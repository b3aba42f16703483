// Package ipderrors defines the sentinel error kinds shared across the
// hypervisor client, SSH channel, state store, scheduler and metadata
// server, so callers can classify failures with errors.Is/errors.As instead
// of string matching.
package ipderrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the taxonomy's buckets.
type Kind string

const (
	KindTransport         Kind = "transport"
	KindRemote            Kind = "remote"
	KindStore             Kind = "store"
	KindSSH               Kind = "ssh"
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindBuildspecNotFound Kind = "buildspec_not_found"
	KindDomainNotFound    Kind = "domain_not_found"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
)

// Error is a typed, wrapped error carrying one taxonomy Kind plus an
// optional subject (project key, build id, domain name...) used to build
// structured JSON error bodies at the HTTP boundary.
type Error struct {
	Kind    Kind
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ipderrors.Transport) match any *Error of that Kind,
// regardless of subject or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Subject != "" {
		return e.Kind == t.Kind && e.Subject == t.Subject
	}
	return e.Kind == t.Kind
}

func newKind(kind Kind) *Error { return &Error{Kind: kind} }

// Sentinel values usable directly with errors.Is for kind-only matching,
// e.g. errors.Is(err, ipderrors.Transport).
var (
	Transport = newKind(KindTransport)
	Remote    = newKind(KindRemote)
	Store     = newKind(KindStore)
	SSH       = newKind(KindSSH)
	NotFound  = newKind(KindNotFound)

	AlreadyExists     = newKind(KindAlreadyExists)
	BuildspecNotFound = newKind(KindBuildspecNotFound)
	DomainNotFound    = newKind(KindDomainNotFound)
	Timeout           = newKind(KindTimeout)
	Cancelled         = newKind(KindCancelled)
)

// Wrap builds a concrete *Error of the given kind with a subject, wrapping
// cause so %w-style unwrapping and errors.Is(err, cause) keep working.
func Wrap(kind Kind, subject string, cause error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: cause}
}

// New builds a concrete *Error of the given kind with a subject and no
// wrapped cause.
func New(kind Kind, subject string) *Error {
	return &Error{Kind: kind, Subject: subject}
}

// As is a small helper mirroring errors.As for the common case of wanting
// the concrete *Error out of an error chain.
func As(err error, kind Kind) (*Error, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return nil, false
	}
	if e.Kind != kind {
		return nil, false
	}
	return e, true
}
