// Package chaskierr defines the error kinds used across the node runtime.
package chaskierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way spec error handling design does: by
// subsystem consequence, not by Go type.
type Kind int

const (
	// KindInternal covers bugs and conditions with no better classification.
	KindInternal Kind = iota
	// KindProtocol covers malformed frames, unknown commands, oversized frames.
	KindProtocol
	// KindTimeout covers per-request and keepalive timeouts.
	KindTimeout
	// KindTransport covers socket and TLS handshake failures.
	KindTransport
	// KindResource covers too-many-edges, queue overflow, file-transfer-busy.
	KindResource
	// KindSecurity covers certificate validation and revocation failures.
	KindSecurity
	// KindCA covers certificate-authority signing/CRL failures.
	KindCA
	// KindCancelled covers node/edge shutdown cancellation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindResource:
		return "resource"
	case KindSecurity:
		return "security"
	case KindCA:
		return "ca"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error is the typed error carried across the node runtime.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, or delegates to
// the wrapped error chain.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs a new Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap wraps err with a kind and operation name, returning nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinel errors for common conditions, matched with errors.Is.
var (
	ErrEdgeClosed      = New(KindTransport, "edge", errors.New("edge closed"))
	ErrRequestTimeout  = New(KindTimeout, "dispatch", errors.New("request timeout"))
	ErrCancelled       = New(KindCancelled, "node", errors.New("operation cancelled"))
	ErrTooManyEdges    = New(KindResource, "node", errors.New("too many edges"))
	ErrFileBusy        = New(KindResource, "filetransfer", errors.New("file transfer busy"))
	ErrQueueOverflow   = New(KindResource, "streaming", errors.New("delivery queue overflow"))
	ErrUnknownCommand  = New(KindProtocol, "envelope", errors.New("unknown command"))
	ErrFrameTooLarge   = New(KindProtocol, "envelope", errors.New("frame exceeds maximum size"))
	ErrCertRevoked     = New(KindSecurity, "tls", errors.New("certificate revoked"))
	ErrCertInvalid     = New(KindSecurity, "tls", errors.New("certificate invalid"))
	ErrDuplicateEdge   = New(KindResource, "node", errors.New("duplicate edge for address"))
	ErrProxyBusy       = New(KindResource, "proxy", errors.New("too many in-flight proxy calls"))
	ErrProxyForbidden  = New(KindSecurity, "proxy", errors.New("module path not allowed"))
	ErrProxyAuth       = New(KindSecurity, "proxy", errors.New("proxy authentication failed"))
)
