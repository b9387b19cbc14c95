package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopfront-labs/fulfillment/internal/carriers"
	"github.com/shopfront-labs/fulfillment/internal/domain"
)

// DispatchHandler processes courier.dispatch.requested events: it books the
// shipment against the provider API and reports the outcome back to the
// fulfillment service. Booking failures resolve the dispatch to failed
// rather than erroring the consumer, so one bad order does not stall the
// partition.
type DispatchHandler struct {
	registry       *carriers.Registry
	fulfillmentURL string
	httpClient     *http.Client
	bookingTimeout time.Duration
	logger         *slog.Logger
	newClient      func(c domain.Carrier) (carriers.BookingClient, error)
}

func NewDispatchHandler(registry *carriers.Registry, fulfillmentURL string, client *http.Client, bookingTimeout time.Duration, logger *slog.Logger) *DispatchHandler {
	if bookingTimeout <= 0 {
		bookingTimeout = 15 * time.Second
	}
	return &DispatchHandler{
		registry:       registry,
		fulfillmentURL: fulfillmentURL,
		httpClient:     client,
		bookingTimeout: bookingTimeout,
		logger:         logger,
		newClient: func(c domain.Carrier) (carriers.BookingClient, error) {
			return carriers.NewBookingClient(c, client)
		},
	}
}

func (h *DispatchHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.DispatchRequestedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal dispatch requested event: %w", err)
	}

	h.logger.Info("processing dispatch request",
		"order_id", event.OrderID, "carrier", event.CarrierKey, "seq", event.Sequence)

	trackingNo, bookErr := h.book(ctx, event)

	resolution := resolveRequest{
		OrderID:    event.OrderID,
		Sequence:   event.Sequence,
		TrackingNo: trackingNo,
	}
	if bookErr != nil {
		kind := domain.KindOf(bookErr)
		if kind == "" {
			kind = domain.KindDispatchRejected
			if errors.Is(bookErr, context.DeadlineExceeded) {
				kind = domain.KindDispatchTimeout
			}
		}
		resolution.ErrorKind = kind
		resolution.ErrorMessage = bookErr.Error()
		h.logger.Error("booking failed",
			"error", bookErr, "order_id", event.OrderID, "carrier", event.CarrierKey)
	}

	if err := h.reportResolution(ctx, resolution); err != nil {
		h.logger.Error("failed to report dispatch resolution", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("report dispatch resolution: %w", err)
	}

	if bookErr == nil {
		h.logger.Info("dispatch booked",
			"order_id", event.OrderID, "carrier", event.CarrierKey, "tracking_no", trackingNo)
	}
	return nil
}

func (h *DispatchHandler) book(ctx context.Context, event domain.DispatchRequestedEvent) (string, error) {
	carrier, err := h.registry.Get(event.CarrierKey)
	if err != nil {
		return "", err
	}
	if !carrier.Active || !carrier.Connected {
		return "", domain.Errorf(domain.KindCarrierNotConnected,
			"carrier %q is not connected", event.CarrierKey)
	}

	client, err := h.newClient(carrier)
	if err != nil {
		return "", err
	}

	bookCtx, cancel := context.WithTimeout(ctx, h.bookingTimeout)
	defer cancel()

	return client.Book(bookCtx, carriers.BookingRequest{
		OrderID:   event.OrderID,
		Receiver:  event.Receiver,
		CODAmount: event.CODAmount,
	})
}

type resolveRequest struct {
	OrderID      string           `json:"order_id"`
	Sequence     uint64           `json:"sequence"`
	TrackingNo   string           `json:"tracking_no,omitempty"`
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func (h *DispatchHandler) reportResolution(ctx context.Context, resolution resolveRequest) error {
	data, err := json.Marshal(resolution)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}

	url := h.fulfillmentURL + "/internal/dispatch/resolve"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create resolution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post resolution: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("fulfillment service returned status %d", resp.StatusCode)
	}
	return nil
}
