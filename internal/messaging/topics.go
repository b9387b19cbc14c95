package messaging

// Dispatch topics. Requested messages are keyed by order id so bookings for
// one order stay in partition order.
const (
	TopicDispatchRequested = "courier.dispatch.requested"
	TopicDispatchResolved  = "courier.dispatch.resolved"
)

// TopicStatusChanged carries committed workflow and payment status
// mutations for downstream views.
const TopicStatusChanged = "order.status.changed"
