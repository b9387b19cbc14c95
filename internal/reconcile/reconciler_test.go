package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopfront-labs/fulfillment/internal/cache"
	"github.com/shopfront-labs/fulfillment/internal/domain"
	"github.com/shopfront-labs/fulfillment/internal/transition"
)

// fakeStore is an in-memory Store with the same compare-and-set contract as
// the Postgres repository. failNext makes the next write fail.
type fakeStore struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	failNext error
	writes   int
}

func newFakeStore(orders ...domain.Order) *fakeStore {
	s := &fakeStore{orders: make(map[string]domain.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *fakeStore) UpdateWorkflowStatus(_ context.Context, id string, expected, target domain.WorkflowStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok || o.WorkflowStatus != expected {
		return nil, nil
	}
	o.WorkflowStatus = target
	o.StatusChangedAt = time.Now()
	s.orders[id] = o
	s.writes++
	return &o, nil
}

func (s *fakeStore) UpdatePaymentStatus(_ context.Context, id string, expected, target domain.PaymentStatus, paidAmount, dueAmount int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok || o.PaymentStatus != expected {
		return nil, nil
	}
	o.PaymentStatus = target
	o.Totals.PaidAmount = paidAmount
	o.Totals.DueAmount = dueAmount
	s.orders[id] = o
	s.writes++
	return &o, nil
}

func (s *fakeStore) UpdateCourier(_ context.Context, id string, a domain.CourierAssignment) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	o.Courier = a
	s.orders[id] = o
	s.writes++
	return &o, nil
}

func testOrder(id string, w domain.WorkflowStatus, p domain.PaymentStatus) domain.Order {
	return domain.Order{
		ID:             id,
		CustomerID:     "cust-1",
		WorkflowStatus: w,
		PaymentStatus:  p,
		PaymentMethod:  domain.PaymentMethodCOD,
		Courier:        domain.UnassignedCourier(),
		Totals:         domain.Totals{GrandTotal: 1000, DueAmount: 1000},
	}
}

func newReconciler(store Store, opts ...Option) (*Reconciler, *cache.OrderCache) {
	c := cache.NewOrderCache(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, c, transition.NewWorkflow(nil), transition.NewPayment(), logger, opts...), c
}

// capturingProducer records published events in order.
type capturingProducer struct {
	mu     sync.Mutex
	keys   []string
	events []domain.StatusChangedEvent
}

func (p *capturingProducer) Publish(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, event.(domain.StatusChangedEvent))
	return nil
}

func (p *capturingProducer) published() []domain.StatusChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StatusChangedEvent(nil), p.events...)
}

func TestReconciler_MutateWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted transition commits and reconciles the cache", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-1", domain.WorkflowNew, domain.PaymentUnpaid))
		r, c := newReconciler(store)

		updated, err := r.MutateWorkflow(ctx, "ord-1", domain.WorkflowApproved)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.WorkflowStatus != domain.WorkflowApproved {
			t.Errorf("expected approved, got %s", updated.WorkflowStatus)
		}

		cached, ok := c.Get("ord-1")
		if !ok || cached.WorkflowStatus != domain.WorkflowApproved {
			t.Errorf("cache not reconciled: %+v ok=%v", cached, ok)
		}
		if field, ok := c.LastChanged("ord-1"); !ok || field != "workflow_status" {
			t.Errorf("expected workflow_status change marker, got %q ok=%v", field, ok)
		}
		if !c.ListStale() {
			t.Error("list views should be marked stale after a commit")
		}
	})

	t.Run("invalid transition leaves the order untouched", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-2", domain.WorkflowNew, domain.PaymentUnpaid))
		r, _ := newReconciler(store)

		_, err := r.MutateWorkflow(ctx, "ord-2", domain.WorkflowShipped)
		if domain.KindOf(err) != domain.KindInvalidTransition {
			t.Fatalf("expected invalid_transition, got %v", err)
		}

		got, _ := store.GetByID(ctx, "ord-2")
		if got.WorkflowStatus != domain.WorkflowNew {
			t.Errorf("order mutated on rejection: %s", got.WorkflowStatus)
		}
		if store.writes != 0 {
			t.Errorf("expected no writes, got %d", store.writes)
		}
	})

	t.Run("terminal state rejects outright", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-3", domain.WorkflowDelivered, domain.PaymentPaid))
		r, _ := newReconciler(store)

		_, err := r.MutateWorkflow(ctx, "ord-3", domain.WorkflowProcessing)
		if domain.KindOf(err) != domain.KindTerminalState {
			t.Fatalf("expected terminal_state, got %v", err)
		}
	})

	t.Run("store failure rolls the optimistic cache back", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-4", domain.WorkflowNew, domain.PaymentUnpaid))
		store.failNext = errors.New("connection reset")
		r, c := newReconciler(store)

		_, err := r.MutateWorkflow(ctx, "ord-4", domain.WorkflowApproved)
		if err == nil {
			t.Fatal("expected error")
		}

		cached, ok := c.Get("ord-4")
		if !ok {
			t.Fatal("snapshot should be restored in cache")
		}
		if cached.WorkflowStatus != domain.WorkflowNew {
			t.Errorf("optimistic value leaked: %s", cached.WorkflowStatus)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		store := newFakeStore()
		r, _ := newReconciler(store)

		_, err := r.MutateWorkflow(ctx, "ghost", domain.WorkflowApproved)
		if domain.KindOf(err) != domain.KindNotFound {
			t.Fatalf("expected not_found, got %v", err)
		}
	})
}

func TestReconciler_MutatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("due amount recomputed after mutation", func(t *testing.T) {
		order := testOrder("ord-10", domain.WorkflowProcessing, domain.PaymentUnpaid)
		store := newFakeStore(order)
		r, _ := newReconciler(store)

		updated, err := r.MutatePayment(ctx, "ord-10", domain.PaymentPaid, 1000, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.Totals.DueAmount != 0 {
			t.Errorf("expected due 0, got %d", updated.Totals.DueAmount)
		}
	})

	t.Run("overpaid fully-paid order clamps due at zero", func(t *testing.T) {
		order := testOrder("ord-11", domain.WorkflowProcessing, domain.PaymentPartialPaid)
		store := newFakeStore(order)
		r, _ := newReconciler(store)

		updated, err := r.MutatePayment(ctx, "ord-11", domain.PaymentPaid, 1200, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.Totals.DueAmount != 0 {
			t.Errorf("expected due clamped to 0, got %d", updated.Totals.DueAmount)
		}
	})

	t.Run("backward transition without reason is rejected", func(t *testing.T) {
		order := testOrder("ord-12", domain.WorkflowProcessing, domain.PaymentPaid)
		store := newFakeStore(order)
		r, _ := newReconciler(store)

		_, err := r.MutatePayment(ctx, "ord-12", domain.PaymentUnpaid, 0, "")
		if domain.KindOf(err) != domain.KindInvalidTransition {
			t.Fatalf("expected invalid_transition, got %v", err)
		}

		_, err = r.MutatePayment(ctx, "ord-12", domain.PaymentUnpaid, 0, "refund #8812")
		if err != nil {
			t.Errorf("reversal with reason should be accepted: %v", err)
		}
	})
}

func TestReconciler_StatusEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("committed workflow mutation publishes a change event", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-40", domain.WorkflowNew, domain.PaymentUnpaid))
		producer := &capturingProducer{}
		r, _ := newReconciler(store, WithEvents(producer))

		if _, err := r.MutateWorkflow(ctx, "ord-40", domain.WorkflowApproved); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events := producer.published()
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		e := events[0]
		if e.OrderID != "ord-40" || e.Field != "workflow_status" {
			t.Errorf("unexpected event: %+v", e)
		}
		if e.OldValue != string(domain.WorkflowNew) || e.NewValue != string(domain.WorkflowApproved) {
			t.Errorf("unexpected values: %s -> %s", e.OldValue, e.NewValue)
		}
		if producer.keys[0] != "ord-40" {
			t.Errorf("events must be keyed by order id, got %q", producer.keys[0])
		}
	})

	t.Run("committed payment mutation publishes a change event", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-41", domain.WorkflowProcessing, domain.PaymentUnpaid))
		producer := &capturingProducer{}
		r, _ := newReconciler(store, WithEvents(producer))

		if _, err := r.MutatePayment(ctx, "ord-41", domain.PaymentPaid, 1000, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		events := producer.published()
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if events[0].Field != "payment_status" || events[0].NewValue != string(domain.PaymentPaid) {
			t.Errorf("unexpected event: %+v", events[0])
		}
	})

	t.Run("rejected and failed mutations publish nothing", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-42", domain.WorkflowNew, domain.PaymentUnpaid))
		producer := &capturingProducer{}
		r, _ := newReconciler(store, WithEvents(producer))

		if _, err := r.MutateWorkflow(ctx, "ord-42", domain.WorkflowShipped); err == nil {
			t.Fatal("expected rejection")
		}

		store.failNext = errors.New("connection reset")
		if _, err := r.MutateWorkflow(ctx, "ord-42", domain.WorkflowApproved); err == nil {
			t.Fatal("expected store failure")
		}

		if n := len(producer.published()); n != 0 {
			t.Errorf("expected no events, got %d", n)
		}
	})
}

func TestReconciler_InFlightGate(t *testing.T) {
	t.Run("second acquisition for the same order and field is rejected", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-20", domain.WorkflowNew, domain.PaymentUnpaid))
		r, _ := newReconciler(store)

		ticket, err := r.Acquire("ord-20", FieldWorkflowStatus)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Release(ticket)

		_, err = r.Acquire("ord-20", FieldWorkflowStatus)
		if domain.KindOf(err) != domain.KindAlreadyInFlight {
			t.Fatalf("expected already_in_flight, got %v", err)
		}
	})

	t.Run("different fields of the same order are independent", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-21", domain.WorkflowNew, domain.PaymentUnpaid))
		r, _ := newReconciler(store)

		wf, err := r.Acquire("ord-21", FieldWorkflowStatus)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Release(wf)

		pay, err := r.Acquire("ord-21", FieldPaymentStatus)
		if err != nil {
			t.Fatalf("payment field should be independent: %v", err)
		}
		r.Release(pay)
	})

	t.Run("a released slot can be reacquired, stale tickets cannot release it", func(t *testing.T) {
		store := newFakeStore(testOrder("ord-22", domain.WorkflowNew, domain.PaymentUnpaid))
		r, _ := newReconciler(store)

		first, _ := r.Acquire("ord-22", FieldCourier)
		r.Release(first)

		second, err := r.Acquire("ord-22", FieldCourier)
		if err != nil {
			t.Fatal(err)
		}

		// Releasing the stale first ticket must not free the slot held by
		// the second.
		r.Release(first)
		if !r.Holds(second) {
			t.Error("stale release freed an active slot")
		}
		r.Release(second)
	})

	t.Run("mutation while another is in flight is rejected and state preserved", func(t *testing.T) {
		ctx := context.Background()
		store := newFakeStore(testOrder("ord-23", domain.WorkflowNew, domain.PaymentUnpaid))
		r, _ := newReconciler(store)

		ticket, _ := r.Acquire("ord-23", FieldWorkflowStatus)
		defer r.Release(ticket)

		_, err := r.MutateWorkflow(ctx, "ord-23", domain.WorkflowApproved)
		if domain.KindOf(err) != domain.KindAlreadyInFlight {
			t.Fatalf("expected already_in_flight, got %v", err)
		}

		got, _ := store.GetByID(ctx, "ord-23")
		if got.WorkflowStatus != domain.WorkflowNew {
			t.Errorf("order mutated despite rejection: %s", got.WorkflowStatus)
		}
	})
}

func TestReconciler_GetOrder(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(testOrder("ord-30", domain.WorkflowNew, domain.PaymentUnpaid))
	r, c := newReconciler(store)

	order, err := r.GetOrder(ctx, "ord-30")
	if err != nil || order == nil {
		t.Fatalf("get: %v %v", order, err)
	}
	if _, ok := c.Get("ord-30"); !ok {
		t.Error("read-through should populate the cache")
	}

	missing, err := r.GetOrder(ctx, "ghost")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing order, got %v, %v", missing, err)
	}
}
