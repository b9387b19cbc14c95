package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopfront-labs/fulfillment/internal/cache"
	"github.com/shopfront-labs/fulfillment/internal/carriers"
	"github.com/shopfront-labs/fulfillment/internal/domain"
	"github.com/shopfront-labs/fulfillment/internal/reconcile"
	"github.com/shopfront-labs/fulfillment/internal/transition"
)

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
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
	o, ok := s.orders[id]
	if !ok || o.WorkflowStatus != expected {
		return nil, nil
	}
	o.WorkflowStatus = target
	s.orders[id] = o
	return &o, nil
}

func (s *fakeStore) UpdatePaymentStatus(_ context.Context, id string, expected, target domain.PaymentStatus, paidAmount, dueAmount int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.PaymentStatus != expected {
		return nil, nil
	}
	o.PaymentStatus = target
	o.Totals.PaidAmount = paidAmount
	o.Totals.DueAmount = dueAmount
	s.orders[id] = o
	return &o, nil
}

func (s *fakeStore) UpdateCourier(_ context.Context, id string, a domain.CourierAssignment) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	o.Courier = a
	s.orders[id] = o
	return &o, nil
}

// fakeBooker records booking calls and returns scripted results, one per
// call.
type fakeBooker struct {
	mu      sync.Mutex
	calls   []carriers.BookingRequest
	results []bookResult
}

type bookResult struct {
	tracking string
	err      error
}

func (b *fakeBooker) Book(_ context.Context, req carriers.BookingRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	if len(b.results) == 0 {
		return "", domain.Errorf(domain.KindDispatchRejected, "no scripted result")
	}
	res := b.results[0]
	b.results = b.results[1:]
	return res.tracking, res.err
}

func (b *fakeBooker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func testRegistry(t *testing.T) *carriers.Registry {
	t.Helper()
	r := carriers.NewRegistry()
	entries := []domain.Carrier{
		{
			Key:         "steadfast",
			DisplayName: "Steadfast Courier",
			Credentials: domain.SteadfastCredentials{
				BaseURL: "https://portal.example.com", APIKey: "k", SecretKey: "s",
			},
			Active:    true,
			Connected: true,
		},
		{
			Key:         "redx",
			DisplayName: "RedX",
			Credentials: domain.RedXCredentials{
				BaseURL: "https://openapi.example.com", StoreID: "s1",
				ClientID: "c", ClientSecret: "cs", Email: "e@example.com", Password: "p",
			},
			Active:    true,
			Connected: false,
		},
		{
			Key:         "pathao",
			DisplayName: "Pathao",
			Credentials: domain.PathaoCredentials{
				BaseURL: "https://api-hermes.example.com", StoreID: "s2",
				ClientID: "c", ClientSecret: "cs",
			},
			Active:    false,
			Connected: true,
		},
	}
	for _, c := range entries {
		if err := r.Upsert(c); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func codOrder(id string) domain.Order {
	return domain.Order{
		ID:             id,
		CustomerID:     "cust-1",
		Shipping:       domain.Shipping{Name: "Rahim", Phone: "01700000000", Address: "House 4, Banani", Area: "Dhaka"},
		WorkflowStatus: domain.WorkflowPackaging,
		PaymentStatus:  domain.PaymentUnpaid,
		PaymentMethod:  domain.PaymentMethodCOD,
		Courier:        domain.UnassignedCourier(),
		Totals:         domain.Totals{GrandTotal: 1500, DueAmount: 1500},
	}
}

func newCoordinator(t *testing.T, store *fakeStore, booker carriers.BookingClient, opts ...Option) (*Coordinator, *reconcile.Reconciler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := reconcile.New(store, cache.NewOrderCache(time.Minute),
		transition.NewWorkflow(nil), transition.NewPayment(), logger)
	opts = append([]Option{
		WithClientFactory(func(domain.Carrier) (carriers.BookingClient, error) { return booker, nil }),
		WithBookingTimeout(time.Second),
	}, opts...)
	return NewCoordinator(testRegistry(t), rec, logger, opts...), rec
}

func waitForState(t *testing.T, store *fakeStore, id string, want domain.DispatchState) domain.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o, _ := store.GetByID(context.Background(), id)
		if o != nil && o.Courier.State == want {
			return *o
		}
		time.Sleep(5 * time.Millisecond)
	}
	o, _ := store.GetByID(context.Background(), id)
	t.Fatalf("order %s never reached %s, last state %s", id, want, o.Courier.State)
	return domain.Order{}
}

func TestCoordinator_AssignManual(t *testing.T) {
	ctx := context.Background()

	t.Run("confirms synchronously without a booking call", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-1005"))
		booker := &fakeBooker{}
		c, _ := newCoordinator(t, store, booker)

		updated, err := c.AssignManual(ctx, "ord-1005", domain.ProviderManual, "MM-2201")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.Courier.State != domain.DispatchConfirmed {
			t.Errorf("expected confirmed, got %s", updated.Courier.State)
		}
		if updated.Courier.MemoNo != "MM-2201" {
			t.Errorf("unexpected memo: %s", updated.Courier.MemoNo)
		}
		if updated.Courier.TrackingNo != "" {
			t.Errorf("tracking number must stay empty in manual mode: %s", updated.Courier.TrackingNo)
		}
		if booker.callCount() != 0 {
			t.Errorf("manual assignment made %d booking calls", booker.callCount())
		}
	})

	t.Run("accepts a registry carrier key and an empty memo", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-1"))
		c, _ := newCoordinator(t, store, &fakeBooker{})

		updated, err := c.AssignManual(ctx, "ord-1", "redx", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.Courier.ProviderID != "redx" || updated.Courier.State != domain.DispatchConfirmed {
			t.Errorf("unexpected assignment: %+v", updated.Courier)
		}
	})

	t.Run("unknown carrier key", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-2"))
		c, _ := newCoordinator(t, store, &fakeBooker{})

		_, err := c.AssignManual(ctx, "ord-2", "ghost-courier", "M-1")
		if domain.KindOf(err) != domain.KindUnknownCarrier {
			t.Fatalf("expected unknown_carrier, got %v", err)
		}
	})

	t.Run("inactive carrier key", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-4"))
		c, _ := newCoordinator(t, store, &fakeBooker{})

		_, err := c.AssignManual(ctx, "ord-4", "pathao", "M-2")
		if domain.KindOf(err) != domain.KindUnknownCarrier {
			t.Fatalf("expected unknown_carrier, got %v", err)
		}
		order, _ := store.GetByID(ctx, "ord-4")
		if order.Courier.State != domain.DispatchUnassigned {
			t.Errorf("assignment must not change: %+v", order.Courier)
		}
	})

	t.Run("none clears the assignment", func(t *testing.T) {
		order := codOrder("ord-3")
		order.Courier = domain.CourierAssignment{
			ProviderID: domain.ProviderManual, Mode: domain.ModeManual,
			MemoNo: "M-9", State: domain.DispatchConfirmed,
		}
		store := newFakeStore(order)
		c, _ := newCoordinator(t, store, &fakeBooker{})

		updated, err := c.AssignManual(ctx, "ord-3", domain.ProviderNone, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.Courier.State != domain.DispatchUnassigned || updated.Courier.MemoNo != "" {
			t.Errorf("expected cleared assignment, got %+v", updated.Courier)
		}
	})
}

func TestCoordinator_RequestAutomatic(t *testing.T) {
	ctx := context.Background()

	t.Run("books and confirms with a tracking number", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-10"))
		booker := &fakeBooker{results: []bookResult{{tracking: "SF-12345"}}}
		c, _ := newCoordinator(t, store, booker)

		pending, err := c.RequestAutomatic(ctx, "ord-10", "steadfast")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pending.Courier.State != domain.DispatchPending {
			t.Errorf("expected pending, got %s", pending.Courier.State)
		}
		if pending.Courier.Mode != domain.ModeAutomatic {
			t.Errorf("expected automatic mode, got %s", pending.Courier.Mode)
		}

		confirmed := waitForState(t, store, "ord-10", domain.DispatchConfirmed)
		if confirmed.Courier.TrackingNo != "SF-12345" {
			t.Errorf("unexpected tracking: %s", confirmed.Courier.TrackingNo)
		}

		booker.mu.Lock()
		defer booker.mu.Unlock()
		if len(booker.calls) != 1 {
			t.Fatalf("expected 1 booking call, got %d", len(booker.calls))
		}
		if booker.calls[0].CODAmount != 1500 {
			t.Errorf("expected COD 1500, got %d", booker.calls[0].CODAmount)
		}
		if booker.calls[0].Receiver.Phone != "01700000000" {
			t.Errorf("receiver snapshot not forwarded: %+v", booker.calls[0].Receiver)
		}
	})

	t.Run("not connected carrier is rejected before any call", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-1004"))
		booker := &fakeBooker{}
		c, _ := newCoordinator(t, store, booker)

		_, err := c.RequestAutomatic(ctx, "ord-1004", "redx")
		if domain.KindOf(err) != domain.KindCarrierNotConnected {
			t.Fatalf("expected carrier_not_connected, got %v", err)
		}

		o, _ := store.GetByID(ctx, "ord-1004")
		if o.Courier.State != domain.DispatchUnassigned {
			t.Errorf("assignment touched on rejection: %+v", o.Courier)
		}
		if booker.callCount() != 0 {
			t.Errorf("booking called despite rejection")
		}
	})

	t.Run("unknown carrier is rejected", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-11"))
		c, _ := newCoordinator(t, store, &fakeBooker{})

		_, err := c.RequestAutomatic(ctx, "ord-11", "ghost-courier")
		if domain.KindOf(err) != domain.KindUnknownCarrier {
			t.Fatalf("expected unknown_carrier, got %v", err)
		}
	})

	t.Run("second request while pending is rejected", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-12"))
		block := make(chan struct{})
		booker := &blockingBooker{release: block}
		c, _ := newCoordinator(t, store, booker)

		if _, err := c.RequestAutomatic(ctx, "ord-12", "steadfast"); err != nil {
			t.Fatal(err)
		}

		_, err := c.RequestAutomatic(ctx, "ord-12", "steadfast")
		if domain.KindOf(err) != domain.KindAlreadyInFlight {
			t.Fatalf("expected already_in_flight, got %v", err)
		}

		close(block)
		waitForState(t, store, "ord-12", domain.DispatchConfirmed)
	})

	t.Run("clear during pending is rejected", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-13"))
		block := make(chan struct{})
		booker := &blockingBooker{release: block}
		c, _ := newCoordinator(t, store, booker)

		if _, err := c.RequestAutomatic(ctx, "ord-13", "steadfast"); err != nil {
			t.Fatal(err)
		}

		_, err := c.Clear(ctx, "ord-13")
		if domain.KindOf(err) != domain.KindAlreadyInFlight {
			t.Fatalf("expected already_in_flight, got %v", err)
		}

		close(block)
		waitForState(t, store, "ord-13", domain.DispatchConfirmed)
	})
}

// blockingBooker blocks until released, then confirms.
type blockingBooker struct {
	release <-chan struct{}
}

func (b *blockingBooker) Book(ctx context.Context, _ carriers.BookingRequest) (string, error) {
	select {
	case <-b.release:
		return "SF-BLOCKED-1", nil
	case <-ctx.Done():
		return "", domain.Errorf(domain.KindDispatchTimeout, "booking request timed out")
	}
}

func TestCoordinator_TimeoutAndRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("timeout fails the dispatch, retry confirms", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-1006"))
		booker := &fakeBooker{results: []bookResult{
			{err: domain.Errorf(domain.KindDispatchTimeout, "booking request timed out")},
			{tracking: "SF-RETRY-77"},
		}}
		c, _ := newCoordinator(t, store, booker)

		if _, err := c.RequestAutomatic(ctx, "ord-1006", "steadfast"); err != nil {
			t.Fatal(err)
		}

		failed := waitForState(t, store, "ord-1006", domain.DispatchFailed)
		if failed.Courier.LastMessage == "" {
			t.Error("failed dispatch should preserve the error message")
		}
		if failed.Courier.TrackingNo != "" {
			t.Error("failed dispatch must not carry a tracking number")
		}

		if _, err := c.Retry(ctx, "ord-1006"); err != nil {
			t.Fatalf("retry: %v", err)
		}

		confirmed := waitForState(t, store, "ord-1006", domain.DispatchConfirmed)
		if confirmed.Courier.TrackingNo != "SF-RETRY-77" {
			t.Errorf("unexpected tracking after retry: %s", confirmed.Courier.TrackingNo)
		}
		if confirmed.Courier.LastMessage != "" {
			t.Errorf("last message should clear on confirmation: %s", confirmed.Courier.LastMessage)
		}
	})

	t.Run("retry is only permitted from failed", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-20"))
		c, _ := newCoordinator(t, store, &fakeBooker{})

		_, err := c.Retry(ctx, "ord-20")
		if domain.KindOf(err) != domain.KindDispatchRejected {
			t.Fatalf("expected dispatch_rejected, got %v", err)
		}
	})
}

func TestCoordinator_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("superseded resolution is discarded", func(t *testing.T) {
		store := newFakeStore(codOrder("ord-30"))
		block := make(chan struct{})
		booker := &blockingBooker{release: block}
		c, _ := newCoordinator(t, store, booker)

		if _, err := c.RequestAutomatic(ctx, "ord-30", "steadfast"); err != nil {
			t.Fatal(err)
		}

		// A resolution carrying a stale sequence number must be dropped.
		updated, err := c.Resolve(ctx, "ord-30", 999999, "SF-STALE", "", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated != nil {
			t.Fatal("stale resolution should be discarded")
		}

		o, _ := store.GetByID(ctx, "ord-30")
		if o.Courier.State != domain.DispatchPending {
			t.Errorf("stale resolution mutated the order: %s", o.Courier.State)
		}

		close(block)
		confirmed := waitForState(t, store, "ord-30", domain.DispatchConfirmed)
		if confirmed.Courier.TrackingNo != "SF-BLOCKED-1" {
			t.Errorf("final value must come from the live request, got %s", confirmed.Courier.TrackingNo)
		}
	})

	t.Run("resolution without a ticket applies only to pending orders", func(t *testing.T) {
		order := codOrder("ord-31")
		now := time.Now().UTC()
		order.Courier = domain.CourierAssignment{
			ProviderID: "steadfast", Mode: domain.ModeAutomatic,
			State: domain.DispatchPending, RequestedAt: &now,
		}
		store := newFakeStore(order)
		c, _ := newCoordinator(t, store, &fakeBooker{})

		updated, err := c.Resolve(ctx, "ord-31", 1, "SF-RECOVERED", "", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.Courier.State != domain.DispatchConfirmed || updated.Courier.TrackingNo != "SF-RECOVERED" {
			t.Errorf("unexpected assignment: %+v", updated.Courier)
		}

		// A confirmed order ignores unsolicited resolutions.
		res, err := c.Resolve(ctx, "ord-31", 2, "SF-DUPLICATE", "", "")
		if err != nil || res != nil {
			t.Errorf("expected discard, got %v, %v", res, err)
		}
	})
}
