package sqlpool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/sqlpool/internal/objpool"
)

// Error kinds. Every *Error matches exactly one of them via errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnection    = errors.New("connection error")
	ErrTimeout       = errors.New("timeout")
	ErrClosed        = errors.New("pool closed")

	// ErrRecycle is internal to the pool: a rejected connection is discarded
	// and replaced, it never reaches callers of Get.
	ErrRecycle = errors.New("recycle rejected")
)

// Reason refines an error kind.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonSyntax   Reason = "syntax"
	ReasonInvalid  Reason = "invalid"
	ReasonAuth     Reason = "auth"
	ReasonNetwork  Reason = "network"
	ReasonTLS      Reason = "tls"
	ReasonCapacity Reason = "capacity"
	ReasonDriver   Reason = "driver"
	ReasonHook     Reason = "hook"
	ReasonProbe    Reason = "probe"
	ReasonWait     Reason = "wait"
	ReasonCreate   Reason = "create"
)

// loginFailed is the SQL Server error number for a rejected login.
const loginFailed = 18456

// Error is the single error type surfaced by this package. Driver errors
// are kept as Err so they remain reachable through errors.As, but callers
// only need Kind and Reason.
type Error struct {
	Kind   error
	Op     string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	msg := "sqlpool: " + e.Op + ": " + e.Kind.Error()
	if e.Reason != ReasonNone {
		msg += " (" + string(e.Reason) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func configError(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: ErrConfiguration, Op: "config", Reason: reason, Err: fmt.Errorf(format, args...)}
}

// connectionError wraps a failure to open a session.
func connectionError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: ErrConnection, Op: "create", Reason: classify(err), Err: err}
}

// classify maps a driver or transport error to a Reason.
func classify(err error) Reason {
	var me mssql.Error
	if errors.As(err, &me) {
		if me.Number == loginFailed {
			return ReasonAuth
		}
		return ReasonDriver
	}

	var (
		cve *tls.CertificateVerificationError
		rhe tls.RecordHeaderError
		uae x509.UnknownAuthorityError
		hne x509.HostnameError
		cie x509.CertificateInvalidError
	)
	if errors.As(err, &cve) || errors.As(err, &rhe) || errors.As(err, &uae) ||
		errors.As(err, &hne) || errors.As(err, &cie) {
		return ReasonTLS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ReasonNetwork
	}
	return ReasonDriver
}

// translate maps a scheduler error to the package taxonomy.
func translate(err error) error {
	var te *objpool.TimeoutError
	var ce *objpool.CreateError
	switch {
	case errors.Is(err, objpool.ErrClosed):
		return &Error{Kind: ErrClosed, Op: "get"}
	case errors.As(err, &te):
		reason := ReasonWait
		if te.Type == objpool.TimeoutCreate {
			reason = ReasonCreate
		}
		return &Error{Kind: ErrTimeout, Op: "get", Reason: reason, Err: err}
	case errors.As(err, &ce):
		return connectionError(ce.Err)
	default:
		// Context cancellation belongs to the caller and is returned as is.
		return err
	}
}
