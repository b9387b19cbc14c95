package domain

import "time"

type WorkflowStatus string

const (
	WorkflowNew            WorkflowStatus = "new"
	WorkflowApproved       WorkflowStatus = "approved"
	WorkflowProcessing     WorkflowStatus = "processing"
	WorkflowPackaging      WorkflowStatus = "packaging"
	WorkflowShipped        WorkflowStatus = "shipped"
	WorkflowOutForDelivery WorkflowStatus = "out_for_delivery"
	WorkflowDelivered      WorkflowStatus = "delivered"
	WorkflowReturned       WorkflowStatus = "returned"
	WorkflowCancelled      WorkflowStatus = "cancelled"
	WorkflowOnHold         WorkflowStatus = "on_hold"
	WorkflowTrash          WorkflowStatus = "trash"
)

type PaymentStatus string

const (
	PaymentUnpaid      PaymentStatus = "unpaid"
	PaymentPartialPaid PaymentStatus = "partial_paid"
	PaymentPaid        PaymentStatus = "paid"
)

type PaymentMethod string

const (
	PaymentMethodCOD   PaymentMethod = "cod"
	PaymentMethodBKash PaymentMethod = "bkash"
	PaymentMethodNagad PaymentMethod = "nagad"
	PaymentMethodSSL   PaymentMethod = "sslcommerz"
)

// WorkflowStatuses lists every workflow status, exported for API consumers
// that render status dropdowns.
var WorkflowStatuses = []WorkflowStatus{
	WorkflowNew,
	WorkflowApproved,
	WorkflowProcessing,
	WorkflowPackaging,
	WorkflowShipped,
	WorkflowOutForDelivery,
	WorkflowDelivered,
	WorkflowReturned,
	WorkflowCancelled,
	WorkflowOnHold,
	WorkflowTrash,
}

var PaymentStatuses = []PaymentStatus{
	PaymentUnpaid,
	PaymentPartialPaid,
	PaymentPaid,
}

type DispatchState string

const (
	DispatchUnassigned DispatchState = "unassigned"
	DispatchPending    DispatchState = "pending"
	DispatchConfirmed  DispatchState = "confirmed"
	DispatchFailed     DispatchState = "failed"
)

type AssignmentMode string

const (
	ModeManual    AssignmentMode = "manual"
	ModeAutomatic AssignmentMode = "automatic"
)

// ProviderNone and ProviderManual are the reserved provider ids; anything
// else is a carrier key from the registry.
const (
	ProviderNone   = "none"
	ProviderManual = "manual"
)

// CourierAssignment is the shipping disposition of an order. TrackingNo is
// non-empty only when State is confirmed and Mode is automatic; MemoNo is
// meaningful only in manual mode.
type CourierAssignment struct {
	ProviderID  string         `json:"provider_id"`
	Mode        AssignmentMode `json:"mode,omitempty"`
	MemoNo      string         `json:"memo_no,omitempty"`
	TrackingNo  string         `json:"tracking_no,omitempty"`
	State       DispatchState  `json:"dispatch_state"`
	LastMessage string         `json:"last_message,omitempty"`
	RequestedAt *time.Time     `json:"requested_at,omitempty"`
}

func UnassignedCourier() CourierAssignment {
	return CourierAssignment{ProviderID: ProviderNone, State: DispatchUnassigned}
}

type OrderItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

// Totals are denominated in the smallest currency unit.
type Totals struct {
	ItemAmount   int64 `json:"item_amount"`
	ShippingCost int64 `json:"shipping_cost"`
	Discount     int64 `json:"discount"`
	GrandTotal   int64 `json:"grand_total"`
	PaidAmount   int64 `json:"paid_amount"`
	DueAmount    int64 `json:"due_amount"`
}

// Shipping is the customer snapshot automatic dispatch payloads are built
// from.
type Shipping struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Area    string `json:"area"`
	Weight  int    `json:"weight_grams,omitempty"`
}

type Order struct {
	ID              string            `json:"id"`
	CustomerID      string            `json:"customer_id"`
	Shipping        Shipping          `json:"shipping"`
	Items           []OrderItem       `json:"items"`
	WorkflowStatus  WorkflowStatus    `json:"workflow_status"`
	PaymentStatus   PaymentStatus     `json:"payment_status"`
	PaymentMethod   PaymentMethod     `json:"payment_method"`
	Courier         CourierAssignment `json:"courier"`
	Totals          Totals            `json:"totals"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StatusChangedAt time.Time         `json:"status_changed_at"`
}

// RecomputeDue refreshes DueAmount from the grand total and paid amount.
// Once the order is fully paid the due is clamped at zero so refund
// bookkeeping does not surface as a negative balance.
func (t *Totals) RecomputeDue(status PaymentStatus) {
	t.DueAmount = t.GrandTotal - t.PaidAmount
	if status == PaymentPaid && t.DueAmount < 0 {
		t.DueAmount = 0
	}
}

// CODAmount is the amount a courier collects on delivery: the outstanding
// due for cash-on-delivery orders, zero for prepaid ones.
func (o *Order) CODAmount() int64 {
	if o.PaymentMethod != PaymentMethodCOD {
		return 0
	}
	if o.Totals.DueAmount < 0 {
		return 0
	}
	return o.Totals.DueAmount
}

// ShippingReference is the single reference downstream printing/labeling
// shows for the order: the tracking number once automatic dispatch is
// confirmed, the memo in manual mode, otherwise empty.
func (o *Order) ShippingReference() string {
	if o.Courier.TrackingNo != "" {
		return o.Courier.TrackingNo
	}
	return o.Courier.MemoNo
}
