package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shopfront-labs/fulfillment/internal/cache"
	"github.com/shopfront-labs/fulfillment/internal/domain"
	"github.com/shopfront-labs/fulfillment/internal/transition"
)

// Field names a mutable field group of an order. Mutations are serialized
// per order+field: the workflow status and the payment status of one order
// may change concurrently, two workflow changes may not.
type Field string

const (
	FieldWorkflowStatus Field = "workflow_status"
	FieldPaymentStatus  Field = "payment_status"
	FieldCourier        Field = "courier"
)

// Producer publishes committed status changes for downstream consumers.
// It matches the messaging package's Kafka producer.
type Producer interface {
	Publish(ctx context.Context, key string, event any) error
}

// Store is the slice of the order repository the reconciler writes through.
// The conditional updates return (nil, nil) when the compare-and-set guard
// fails.
type Store interface {
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	UpdateWorkflowStatus(ctx context.Context, id string, expected, target domain.WorkflowStatus) (*domain.Order, error)
	UpdatePaymentStatus(ctx context.Context, id string, expected, target domain.PaymentStatus, paidAmount, dueAmount int64) (*domain.Order, error)
	UpdateCourier(ctx context.Context, id string, a domain.CourierAssignment) (*domain.Order, error)
}

// Reconciler owns the write path of the order store: it validates status
// transitions, serializes mutations per order+field, applies optimistic
// cache updates, and rolls them back when the authoritative write fails.
type Reconciler struct {
	store    Store
	cache    *cache.OrderCache
	workflow *transition.Workflow
	payment  *transition.Payment
	events   Producer
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]uint64
	nextSeq  uint64

	mutations metric.Int64Counter
}

type Option func(*Reconciler)

// WithEvents publishes a StatusChangedEvent after every committed workflow
// or payment mutation.
func WithEvents(p Producer) Option {
	return func(r *Reconciler) { r.events = p }
}

func New(store Store, orderCache *cache.OrderCache, workflow *transition.Workflow, payment *transition.Payment, logger *slog.Logger, opts ...Option) *Reconciler {
	meter := otel.Meter("reconcile")
	mutations, err := meter.Int64Counter("fulfillment.order.mutations",
		metric.WithDescription("Order mutations by field and result"))
	if err != nil {
		logger.Warn("failed to create mutation counter", "error", err)
	}
	r := &Reconciler{
		store:     store,
		cache:     orderCache,
		workflow:  workflow,
		payment:   payment,
		logger:    logger,
		inflight:  make(map[string]uint64),
		mutations: mutations,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ticket is a held mutation slot for one order+field. The holder must call
// Release exactly once; for asynchronous flows (automatic dispatch) the
// ticket stays held until the in-flight request resolves.
type Ticket struct {
	OrderID string
	Field   Field
	Seq     uint64
}

func gateKey(orderID string, field Field) string {
	return orderID + "|" + string(field)
}

// Acquire claims the mutation slot for an order+field, rejecting with
// AlreadyInFlight when one is held. The sequence number identifies this
// request; a response carrying a stale sequence must be discarded.
func (r *Reconciler) Acquire(orderID string, field Field) (*Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := gateKey(orderID, field)
	if _, held := r.inflight[key]; held {
		return nil, domain.Errorf(domain.KindAlreadyInFlight,
			"a %s mutation for order %s is already in flight", field, orderID)
	}
	r.nextSeq++
	seq := r.nextSeq
	r.inflight[key] = seq
	return &Ticket{OrderID: orderID, Field: field, Seq: seq}, nil
}

func (r *Reconciler) Release(t *Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := gateKey(t.OrderID, t.Field)
	if r.inflight[key] == t.Seq {
		delete(r.inflight, key)
	}
}

// Holds reports whether the ticket still owns its slot. A resolution
// arriving after the slot moved on is superseded and must be dropped.
func (r *Reconciler) Holds(t *Ticket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[gateKey(t.OrderID, t.Field)] == t.Seq
}

// MutateWorkflow validates and applies a workflow status transition.
func (r *Reconciler) MutateWorkflow(ctx context.Context, orderID string, target domain.WorkflowStatus) (*domain.Order, error) {
	order, err := r.LoadConfirmed(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := r.workflow.Validate(order.WorkflowStatus, target); err != nil {
		r.count(ctx, FieldWorkflowStatus, "rejected")
		return nil, err
	}

	ticket, err := r.Acquire(orderID, FieldWorkflowStatus)
	if err != nil {
		r.count(ctx, FieldWorkflowStatus, "in_flight")
		return nil, err
	}
	defer r.Release(ticket)

	snapshot := *order

	// Optimistic: the UI sees the target immediately; rolled back below if
	// the authoritative write does not land.
	optimistic := *order
	optimistic.WorkflowStatus = target
	r.cache.Set(optimistic)

	updated, err := r.store.UpdateWorkflowStatus(ctx, orderID, snapshot.WorkflowStatus, target)
	if err != nil {
		r.rollback(snapshot)
		r.count(ctx, FieldWorkflowStatus, "error")
		return nil, fmt.Errorf("persist workflow status: %w", err)
	}
	if updated == nil {
		r.rollback(snapshot)
		r.count(ctx, FieldWorkflowStatus, "conflict")
		return nil, domain.Errorf(domain.KindAlreadyInFlight,
			"order %s changed concurrently, refresh and retry", orderID)
	}

	r.commit(updated, FieldWorkflowStatus)
	r.count(ctx, FieldWorkflowStatus, "committed")
	r.announce(ctx, orderID, FieldWorkflowStatus, string(snapshot.WorkflowStatus), string(target))

	if target == domain.WorkflowDelivered {
		// Delivered orders become eligible for payment reconciliation
		// (COD collection lands after the fact).
		r.logger.Info("order delivered, payment reconciliation eligible",
			"order_id", orderID, "payment_status", updated.PaymentStatus)
	}

	r.logger.Info("workflow status changed",
		"order_id", orderID, "from", snapshot.WorkflowStatus, "to", target)
	return updated, nil
}

// MutatePayment validates and applies a payment status transition,
// recomputing the due amount. Backward transitions need a reversal reason.
func (r *Reconciler) MutatePayment(ctx context.Context, orderID string, target domain.PaymentStatus, paidAmount int64, reason string) (*domain.Order, error) {
	order, err := r.LoadConfirmed(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if err := r.payment.Validate(order.PaymentStatus, target, reason); err != nil {
		r.count(ctx, FieldPaymentStatus, "rejected")
		return nil, err
	}

	ticket, err := r.Acquire(orderID, FieldPaymentStatus)
	if err != nil {
		r.count(ctx, FieldPaymentStatus, "in_flight")
		return nil, err
	}
	defer r.Release(ticket)

	snapshot := *order

	totals := order.Totals
	totals.PaidAmount = paidAmount
	totals.RecomputeDue(target)

	optimistic := *order
	optimistic.PaymentStatus = target
	optimistic.Totals = totals
	r.cache.Set(optimistic)

	updated, err := r.store.UpdatePaymentStatus(ctx, orderID, snapshot.PaymentStatus, target, totals.PaidAmount, totals.DueAmount)
	if err != nil {
		r.rollback(snapshot)
		r.count(ctx, FieldPaymentStatus, "error")
		return nil, fmt.Errorf("persist payment status: %w", err)
	}
	if updated == nil {
		r.rollback(snapshot)
		r.count(ctx, FieldPaymentStatus, "conflict")
		return nil, domain.Errorf(domain.KindAlreadyInFlight,
			"order %s changed concurrently, refresh and retry", orderID)
	}

	r.commit(updated, FieldPaymentStatus)
	r.count(ctx, FieldPaymentStatus, "committed")
	r.announce(ctx, orderID, FieldPaymentStatus, string(snapshot.PaymentStatus), string(target))

	if reason != "" {
		r.logger.Info("payment status reversed",
			"order_id", orderID, "from", snapshot.PaymentStatus, "to", target, "reason", reason)
	} else {
		r.logger.Info("payment status changed",
			"order_id", orderID, "from", snapshot.PaymentStatus, "to", target)
	}
	return updated, nil
}

// ApplyCourier persists a courier assignment and reconciles caches. The
// caller (the dispatch coordinator) owns gating and validation.
func (r *Reconciler) ApplyCourier(ctx context.Context, orderID string, a domain.CourierAssignment) (*domain.Order, error) {
	updated, err := r.store.UpdateCourier(ctx, orderID, a)
	if err != nil {
		r.count(ctx, FieldCourier, "error")
		return nil, fmt.Errorf("persist courier assignment: %w", err)
	}
	if updated == nil {
		r.count(ctx, FieldCourier, "missing")
		return nil, domain.Errorf(domain.KindNotFound, "order %s not found", orderID)
	}
	r.commit(updated, FieldCourier)
	r.count(ctx, FieldCourier, "committed")
	return updated, nil
}

// announce publishes the committed change when an event producer is
// wired. Publish failures are logged, not surfaced: the mutation already
// landed.
func (r *Reconciler) announce(ctx context.Context, orderID string, field Field, oldValue, newValue string) {
	if r.events == nil {
		return
	}
	event := domain.StatusChangedEvent{
		OrderID:   orderID,
		Field:     string(field),
		OldValue:  oldValue,
		NewValue:  newValue,
		Timestamp: time.Now().UTC(),
	}
	if err := r.events.Publish(ctx, orderID, event); err != nil {
		r.logger.Error("failed to publish status change", "error", err, "order_id", orderID)
	}
}

// Restore puts a server-confirmed snapshot back into the cache, undoing an
// optimistic update whose mutation failed.
func (r *Reconciler) Restore(snapshot domain.Order) {
	r.rollback(snapshot)
}

// GetOrder reads through the cache.
func (r *Reconciler) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if cached, ok := r.cache.Get(orderID); ok {
		return &cached, nil
	}
	order, err := r.store.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}
	r.cache.Set(*order)
	return order, nil
}

// LoadConfirmed reads the authoritative record, bypassing optimistic cache
// state. Mutations must be validated against what the server last confirmed.
func (r *Reconciler) LoadConfirmed(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := r.store.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, domain.Errorf(domain.KindNotFound, "order %s not found", orderID)
	}
	return order, nil
}

func (r *Reconciler) commit(updated *domain.Order, field Field) {
	// Invalidate first so list views go stale and the change marker is
	// recorded, then store the fresh confirmed snapshot.
	r.cache.Invalidate(updated.ID, string(field))
	r.cache.Set(*updated)
}

func (r *Reconciler) rollback(snapshot domain.Order) {
	r.cache.Set(snapshot)
}

func (r *Reconciler) count(ctx context.Context, field Field, result string) {
	if r.mutations == nil {
		return
	}
	r.mutations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("field", string(field)),
			attribute.String("result", result),
		))
}
