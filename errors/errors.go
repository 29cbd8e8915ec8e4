// Package errors defines the error taxonomy shared by every bridgebase
// package. All SDK failures surface as a *Error carrying a Kind, so callers
// can branch broadly (any bridgebase error) or narrowly (auth vs. gateway)
// with the standard errors.As / the predicate helpers below.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an SDK failure.
type Kind int

const (
	// KindAuth — the bearer token was explicitly rejected by the resolver
	// or the credential service.
	KindAuth Kind = iota + 1
	// KindResolution — the gateway resolver was unreachable or returned a
	// malformed response.
	KindResolution
	// KindGateway — control-socket connect or handshake failure, including
	// the oversized-token guard.
	KindGateway
	// KindCredential — credential lease fetch failed (transport or format).
	KindCredential
	// KindProxy — the local tunnel was used before it was started.
	KindProxy
	// KindConnection — native driver open failed, or an operation was
	// attempted on a closed session.
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindResolution:
		return "resolution"
	case KindGateway:
		return "gateway"
	case KindCredential:
		return "credential"
	case KindProxy:
		return "proxy"
	case KindConnection:
		return "connection"
	}
	return "unknown"
}

// Error is the single concrete error type produced by the SDK.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	// Msg already carries the formatted cause when one was wrapped in.
	return fmt.Sprintf("bridgebase %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Authf builds a KindAuth error.
func Authf(format string, args ...any) *Error {
	return newf(KindAuth, format, args...)
}

// Resolutionf builds a KindResolution error.
func Resolutionf(format string, args ...any) *Error {
	return newf(KindResolution, format, args...)
}

// Gatewayf builds a KindGateway error.
func Gatewayf(format string, args ...any) *Error {
	return newf(KindGateway, format, args...)
}

// Credentialf builds a KindCredential error.
func Credentialf(format string, args ...any) *Error {
	return newf(KindCredential, format, args...)
}

// Proxyf builds a KindProxy error.
func Proxyf(format string, args ...any) *Error {
	return newf(KindProxy, format, args...)
}

// Connectionf builds a KindConnection error.
func Connectionf(format string, args ...any) *Error {
	return newf(KindConnection, format, args...)
}

// newf formats the message and, when the final argument is an error wrapped
// with %w, preserves it as the unwrappable cause.
func newf(kind Kind, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// KindOf returns the Kind of err, or 0 if err is not a bridgebase error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func isKind(err error, k Kind) bool { return KindOf(err) == k }

// IsAuth reports whether err is (or wraps) a KindAuth error.
func IsAuth(err error) bool { return isKind(err, KindAuth) }

// IsResolution reports whether err is (or wraps) a KindResolution error.
func IsResolution(err error) bool { return isKind(err, KindResolution) }

// IsGateway reports whether err is (or wraps) a KindGateway error.
func IsGateway(err error) bool { return isKind(err, KindGateway) }

// IsCredential reports whether err is (or wraps) a KindCredential error.
func IsCredential(err error) bool { return isKind(err, KindCredential) }

// IsProxy reports whether err is (or wraps) a KindProxy error.
func IsProxy(err error) bool { return isKind(err, KindProxy) }

// IsConnection reports whether err is (or wraps) a KindConnection error.
func IsConnection(err error) bool { return isKind(err, KindConnection) }

// As is [errors.As].
func As(err error, target any) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }
