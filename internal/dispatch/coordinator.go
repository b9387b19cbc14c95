package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shopfront-labs/fulfillment/internal/carriers"
	"github.com/shopfront-labs/fulfillment/internal/domain"
	"github.com/shopfront-labs/fulfillment/internal/reconcile"
)

// Producer publishes dispatch lifecycle events. Satisfied by
// messaging.Producer; nil means bookings run inline in a goroutine.
type Producer interface {
	Publish(ctx context.Context, key string, event any) error
}

// ClientFactory builds the provider booking client for a carrier.
// Overridable in tests; defaults to carriers.NewBookingClient.
type ClientFactory func(c domain.Carrier) (carriers.BookingClient, error)

// Coordinator owns the courier assignment of orders: manual assignment is
// synchronous, automatic dispatch books against the carrier API and
// resolves asynchronously. At most one automatic request per order is in
// flight; the reconciler's courier ticket is held for its full lifetime.
type Coordinator struct {
	registry   *carriers.Registry
	reconciler *reconcile.Reconciler
	producer   Producer
	resolved   Producer
	newClient  ClientFactory
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]*reconcile.Ticket

	outcomes metric.Int64Counter
}

type Option func(*Coordinator)

// WithProducer routes booking requests through the dispatch queue instead
// of inline goroutines.
func WithProducer(p Producer) Option {
	return func(c *Coordinator) { c.producer = p }
}

// WithResolvedProducer announces resolutions on courier.dispatch.resolved.
func WithResolvedProducer(p Producer) Option {
	return func(c *Coordinator) { c.resolved = p }
}

func WithClientFactory(f ClientFactory) Option {
	return func(c *Coordinator) { c.newClient = f }
}

func WithBookingTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func NewCoordinator(registry *carriers.Registry, reconciler *reconcile.Reconciler, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:   registry,
		reconciler: reconciler,
		newClient: func(carrier domain.Carrier) (carriers.BookingClient, error) {
			return carriers.NewBookingClient(carrier, nil)
		},
		timeout: 15 * time.Second,
		logger:  logger,
		pending: make(map[string]*reconcile.Ticket),
	}
	for _, opt := range opts {
		opt(c)
	}
	meter := otel.Meter("dispatch")
	outcomes, err := meter.Int64Counter("fulfillment.dispatch.outcomes",
		metric.WithDescription("Automatic dispatch outcomes by provider and result"))
	if err != nil {
		logger.Warn("failed to create dispatch counter", "error", err)
	}
	c.outcomes = outcomes
	return c
}

// AssignManual attaches a carrier by free-text memo. No external call is
// made and the assignment confirms synchronously. An empty memo is allowed.
// Passing ProviderNone clears the assignment instead.
func (c *Coordinator) AssignManual(ctx context.Context, orderID, carrierKey, memoNo string) (*domain.Order, error) {
	if carrierKey == domain.ProviderNone || carrierKey == "" {
		return c.Clear(ctx, orderID)
	}
	if carrierKey != domain.ProviderManual {
		carrier, err := c.registry.Get(carrierKey)
		if err != nil {
			return nil, err
		}
		// Inactive carriers are hidden from listings and cannot be
		// selected, manual mode included.
		if !carrier.Active {
			return nil, domain.Errorf(domain.KindUnknownCarrier,
				"carrier %q is not active", carrierKey)
		}
	}

	ticket, err := c.reconciler.Acquire(orderID, reconcile.FieldCourier)
	if err != nil {
		return nil, err
	}
	defer c.reconciler.Release(ticket)

	assignment := domain.CourierAssignment{
		ProviderID: carrierKey,
		Mode:       domain.ModeManual,
		MemoNo:     memoNo,
		State:      domain.DispatchConfirmed,
	}

	updated, err := c.reconciler.ApplyCourier(ctx, orderID, assignment)
	if err != nil {
		return nil, err
	}

	c.logger.Info("manual courier assigned",
		"order_id", orderID, "provider", carrierKey, "memo_no", memoNo)
	return updated, nil
}

// RequestAutomatic books a shipment with a connected carrier. The order's
// courier assignment enters pending; resolution arrives through Resolve.
func (c *Coordinator) RequestAutomatic(ctx context.Context, orderID, carrierKey string) (*domain.Order, error) {
	carrier, err := c.registry.Get(carrierKey)
	if err != nil {
		return nil, err
	}
	if !carrier.Active || !carrier.Connected {
		return nil, domain.Errorf(domain.KindCarrierNotConnected,
			"carrier %q is not connected; use manual mode or fix its configuration", carrierKey)
	}

	order, err := c.reconciler.LoadConfirmed(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return c.issue(ctx, order, carrier)
}

// Retry re-issues the booking of a failed automatic dispatch.
func (c *Coordinator) Retry(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := c.reconciler.LoadConfirmed(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Courier.Mode != domain.ModeAutomatic || order.Courier.State != domain.DispatchFailed {
		return nil, domain.Errorf(domain.KindDispatchRejected,
			"order %s has no failed automatic dispatch to retry", orderID)
	}

	carrier, err := c.registry.Get(order.Courier.ProviderID)
	if err != nil {
		return nil, err
	}
	if !carrier.Active || !carrier.Connected {
		return nil, domain.Errorf(domain.KindCarrierNotConnected,
			"carrier %q is not connected; use manual mode or fix its configuration", carrier.Key)
	}

	return c.issue(ctx, order, carrier)
}

// Clear resets the assignment to unassigned. Rejected while an automatic
// request is pending: the in-flight booking must resolve first.
func (c *Coordinator) Clear(ctx context.Context, orderID string) (*domain.Order, error) {
	ticket, err := c.reconciler.Acquire(orderID, reconcile.FieldCourier)
	if err != nil {
		return nil, err
	}
	defer c.reconciler.Release(ticket)

	updated, err := c.reconciler.ApplyCourier(ctx, orderID, domain.UnassignedCourier())
	if err != nil {
		return nil, err
	}

	c.logger.Info("courier assignment cleared", "order_id", orderID)
	return updated, nil
}

func (c *Coordinator) issue(ctx context.Context, order *domain.Order, carrier domain.Carrier) (*domain.Order, error) {
	ticket, err := c.reconciler.Acquire(order.ID, reconcile.FieldCourier)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pendingAssignment := domain.CourierAssignment{
		ProviderID:  carrier.Key,
		Mode:        domain.ModeAutomatic,
		State:       domain.DispatchPending,
		RequestedAt: &now,
	}

	updated, err := c.reconciler.ApplyCourier(ctx, order.ID, pendingAssignment)
	if err != nil {
		c.reconciler.Release(ticket)
		return nil, err
	}

	c.mu.Lock()
	c.pending[order.ID] = ticket
	c.mu.Unlock()

	event := domain.DispatchRequestedEvent{
		OrderID:    order.ID,
		CarrierKey: carrier.Key,
		Sequence:   ticket.Seq,
		Receiver:   order.Shipping,
		CODAmount:  order.CODAmount(),
		Timestamp:  now,
	}

	if c.producer != nil {
		if err := c.producer.Publish(ctx, order.ID, event); err != nil {
			// The booking never left the building; resolve to failed so the
			// operator can retry instead of waiting out a phantom pending.
			c.logger.Error("failed to publish dispatch request", "error", err, "order_id", order.ID)
			return c.Resolve(ctx, order.ID, ticket.Seq, "", domain.KindDispatchRejected, "could not reach dispatch queue")
		}
		c.logger.Info("dispatch requested",
			"order_id", order.ID, "carrier", carrier.Key, "seq", ticket.Seq)
		return updated, nil
	}

	go c.bookInline(carrier, event)
	return updated, nil
}

func (c *Coordinator) bookInline(carrier domain.Carrier, event domain.DispatchRequestedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	client, err := c.newClient(carrier)
	if err != nil {
		_, _ = c.Resolve(ctx, event.OrderID, event.Sequence, "", domain.KindOf(err), err.Error())
		return
	}

	trackingNo, err := client.Book(ctx, carriers.BookingRequest{
		OrderID:   event.OrderID,
		Receiver:  event.Receiver,
		CODAmount: event.CODAmount,
	})
	if err != nil {
		kind := domain.KindOf(err)
		if kind == "" {
			kind = domain.KindDispatchRejected
			if errors.Is(err, context.DeadlineExceeded) {
				kind = domain.KindDispatchTimeout
			}
		}
		_, _ = c.Resolve(ctx, event.OrderID, event.Sequence, "", kind, err.Error())
		return
	}

	_, _ = c.Resolve(ctx, event.OrderID, event.Sequence, trackingNo, "", "")
}

// Resolve applies the outcome of an in-flight booking. A resolution whose
// sequence no longer matches the held ticket is superseded and dropped.
func (c *Coordinator) Resolve(ctx context.Context, orderID string, seq uint64, trackingNo string, errKind domain.ErrorKind, errMessage string) (*domain.Order, error) {
	c.mu.Lock()
	ticket, held := c.pending[orderID]
	if held && ticket.Seq != seq {
		c.mu.Unlock()
		c.logger.Warn("discarding superseded dispatch resolution",
			"order_id", orderID, "seq", seq, "current_seq", ticket.Seq)
		return nil, nil
	}
	delete(c.pending, orderID)
	c.mu.Unlock()

	order, err := c.reconciler.LoadConfirmed(ctx, orderID)
	if err != nil {
		if held {
			c.reconciler.Release(ticket)
		}
		return nil, err
	}
	if !held {
		// No ticket (e.g. resolution after a restart): only a pending
		// assignment may be resolved.
		if order.Courier.State != domain.DispatchPending {
			c.logger.Warn("ignoring resolution for non-pending order",
				"order_id", orderID, "state", order.Courier.State)
			return nil, nil
		}
	}

	assignment := order.Courier
	if trackingNo != "" {
		assignment.State = domain.DispatchConfirmed
		assignment.TrackingNo = trackingNo
		assignment.LastMessage = ""
	} else {
		assignment.State = domain.DispatchFailed
		assignment.TrackingNo = ""
		if errKind == "" {
			errKind = domain.KindDispatchRejected
		}
		assignment.LastMessage = errMessage
	}

	updated, err := c.reconciler.ApplyCourier(ctx, orderID, assignment)
	if held {
		c.reconciler.Release(ticket)
	}
	if err != nil {
		return nil, err
	}

	result := "confirmed"
	if assignment.State == domain.DispatchFailed {
		result = string(errKind)
	}
	c.countOutcome(ctx, assignment.ProviderID, result)

	if c.resolved != nil {
		resolved := domain.DispatchResolvedEvent{
			OrderID:      orderID,
			CarrierKey:   assignment.ProviderID,
			Sequence:     seq,
			TrackingNo:   assignment.TrackingNo,
			ErrorKind:    errKind,
			ErrorMessage: errMessage,
			Timestamp:    time.Now().UTC(),
		}
		if err := c.resolved.Publish(ctx, orderID, resolved); err != nil {
			c.logger.Error("failed to publish dispatch resolution", "error", err, "order_id", orderID)
		}
	}

	if assignment.State == domain.DispatchConfirmed {
		c.logger.Info("dispatch confirmed",
			"order_id", orderID, "carrier", assignment.ProviderID, "tracking_no", trackingNo)
	} else {
		c.logger.Info("dispatch failed",
			"order_id", orderID, "carrier", assignment.ProviderID, "kind", errKind, "message", errMessage)
	}
	return updated, nil
}

func (c *Coordinator) countOutcome(ctx context.Context, provider, result string) {
	if c.outcomes == nil {
		return
	}
	c.outcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("result", result),
		))
}
