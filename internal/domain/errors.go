package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable classification of a fulfillment error.
// Kinds cross process boundaries (HTTP bodies, dispatch events) so their
// string values are part of the wire contract.
type ErrorKind string

const (
	KindInvalidTransition   ErrorKind = "invalid_transition"
	KindTerminalState       ErrorKind = "terminal_state"
	KindUnknownCarrier      ErrorKind = "unknown_carrier"
	KindCarrierNotConnected ErrorKind = "carrier_not_connected"
	KindAlreadyInFlight     ErrorKind = "already_in_flight"
	KindDispatchTimeout     ErrorKind = "dispatch_timeout"
	KindDispatchRejected    ErrorKind = "dispatch_rejected"
	KindNotFound            ErrorKind = "not_found"
)

type FulfillmentError struct {
	Kind    ErrorKind
	Message string
}

func (e *FulfillmentError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func Errorf(kind ErrorKind, format string, args ...any) *FulfillmentError {
	return &FulfillmentError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, or empty string for errors outside the
// fulfillment taxonomy.
func KindOf(err error) ErrorKind {
	var fe *FulfillmentError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
