package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed broker operation so callers can decide
// between retrying, aborting, or treating the outcome as success.
type ErrorKind int

const (
	// KindConnectivity covers transport-level failures: the request may or
	// may not have reached the server. Retrying is only safe for idempotent
	// operations.
	KindConnectivity ErrorKind = iota
	// KindRejected is a definitive business rejection (requote, market
	// closed, invalid stops). The order did not execute.
	KindRejected
	// KindMarginInsufficient is a rejection for lack of free margin.
	KindMarginInsufficient
	// KindInvalidTicket means the referenced position no longer exists.
	KindInvalidTicket
	// KindNoChanges means the requested modification matches current state.
	KindNoChanges
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindRejected:
		return "rejected"
	case KindMarginInsufficient:
		return "margin_insufficient"
	case KindInvalidTicket:
		return "invalid_ticket"
	case KindNoChanges:
		return "no_changes"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// OrderError is the typed failure every Broker method returns for trading
// errors. Retcode carries the raw server code when one was received, 0 for
// pure transport failures.
type OrderError struct {
	Kind    ErrorKind
	Retcode int
	Op      string
	Msg     string
}

func (e *OrderError) Error() string {
	if e.Retcode != 0 {
		return fmt.Sprintf("%s: %s (retcode %d, %s)", e.Op, e.Msg, e.Retcode, e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Msg, e.Kind)
}

// KindOf extracts the ErrorKind from err. Errors that are not *OrderError
// (context cancellation, dial failures wrapped by the transport) are treated
// as connectivity failures: the conservative bucket.
func KindOf(err error) ErrorKind {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindConnectivity
}

func connErr(op, format string, args ...any) *OrderError {
	return &OrderError{Kind: KindConnectivity, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func rejectErr(op string, retcode int, msg string) *OrderError {
	return &OrderError{Kind: KindRejected, Retcode: retcode, Op: op, Msg: msg}
}
