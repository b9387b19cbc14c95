package domain

import "time"

// DispatchRequestedEvent asks the dispatch worker to book a shipment with
// the named carrier. The payload carries everything the booking API needs
// so the worker does not have to re-read the order.
type DispatchRequestedEvent struct {
	OrderID    string    `json:"order_id"`
	CarrierKey string    `json:"carrier_key"`
	Sequence   uint64    `json:"sequence"`
	Receiver   Shipping  `json:"receiver"`
	CODAmount  int64     `json:"cod_amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// DispatchResolvedEvent announces the outcome of an automatic booking.
// Exactly one of TrackingNo and ErrorKind/ErrorMessage is meaningful.
type DispatchResolvedEvent struct {
	OrderID      string    `json:"order_id"`
	CarrierKey   string    `json:"carrier_key"`
	Sequence     uint64    `json:"sequence"`
	TrackingNo   string    `json:"tracking_no,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusChangedEvent is emitted after a committed workflow or payment
// status mutation so downstream views can refresh.
type StatusChangedEvent struct {
	OrderID   string    `json:"order_id"`
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Timestamp time.Time `json:"timestamp"`
}
