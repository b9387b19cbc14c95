package carriers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shopfront-labs/fulfillment/internal/domain"
)

// BookingRequest is the normalized payload sent to every provider; each
// client maps it onto the provider's own wire format.
type BookingRequest struct {
	OrderID   string
	Receiver  domain.Shipping
	CODAmount int64
}

// BookingClient books a shipment and returns the carrier-issued tracking
// number. Implementations must honor ctx cancellation and deadlines.
type BookingClient interface {
	Book(ctx context.Context, req BookingRequest) (string, error)
}

// NewBookingClient builds the provider-specific client for a carrier from
// its credential record.
func NewBookingClient(c domain.Carrier, httpClient *http.Client) (BookingClient, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch creds := c.Credentials.(type) {
	case domain.SteadfastCredentials:
		return &steadfastClient{creds: creds, http: httpClient}, nil
	case domain.RedXCredentials:
		return &redxClient{creds: creds, http: httpClient}, nil
	case domain.PathaoCredentials:
		return &pathaoClient{creds: creds, http: httpClient}, nil
	case domain.PaperflyCredentials:
		return &paperflyClient{creds: creds, http: httpClient}, nil
	default:
		return nil, domain.Errorf(domain.KindUnknownCarrier, "no booking client for carrier %q", c.Key)
	}
}

type steadfastClient struct {
	creds domain.SteadfastCredentials
	http  *http.Client
}

func (c *steadfastClient) Book(ctx context.Context, req BookingRequest) (string, error) {
	body := map[string]any{
		"invoice":           req.OrderID,
		"recipient_name":    req.Receiver.Name,
		"recipient_phone":   req.Receiver.Phone,
		"recipient_address": req.Receiver.Address,
		"cod_amount":        req.CODAmount,
	}
	var resp struct {
		Consignment struct {
			TrackingCode string `json:"tracking_code"`
		} `json:"consignment"`
	}
	err := postBooking(ctx, c.http, c.creds.BaseURL+"/create_order", body, map[string]string{
		"Api-Key":    c.creds.APIKey,
		"Secret-Key": c.creds.SecretKey,
	}, &resp)
	if err != nil {
		return "", err
	}
	return requireTracking("steadfast", resp.Consignment.TrackingCode)
}

type redxClient struct {
	creds domain.RedXCredentials
	http  *http.Client
}

func (c *redxClient) Book(ctx context.Context, req BookingRequest) (string, error) {
	body := map[string]any{
		"customer_name":    req.Receiver.Name,
		"customer_phone":   req.Receiver.Phone,
		"delivery_area":    req.Receiver.Area,
		"customer_address": req.Receiver.Address,
		"merchant_invoice": req.OrderID,
		"cash_collection":  req.CODAmount,
		"parcel_weight":    req.Receiver.Weight,
		"pickup_store_id":  c.creds.StoreID,
	}
	var resp struct {
		TrackingID string `json:"tracking_id"`
	}
	err := postBooking(ctx, c.http, c.creds.BaseURL+"/v1.0.0-beta/parcel", body, map[string]string{
		"API-ACCESS-TOKEN": "Bearer " + c.creds.ClientSecret,
	}, &resp)
	if err != nil {
		return "", err
	}
	return requireTracking("redx", resp.TrackingID)
}

type pathaoClient struct {
	creds domain.PathaoCredentials
	http  *http.Client
}

func (c *pathaoClient) Book(ctx context.Context, req BookingRequest) (string, error) {
	body := map[string]any{
		"store_id":          c.creds.StoreID,
		"merchant_order_id": req.OrderID,
		"recipient_name":    req.Receiver.Name,
		"recipient_phone":   req.Receiver.Phone,
		"recipient_address": req.Receiver.Address,
		"recipient_area":    req.Receiver.Area,
		"amount_to_collect": req.CODAmount,
		"item_weight":       req.Receiver.Weight,
	}
	var resp struct {
		Data struct {
			ConsignmentID string `json:"consignment_id"`
		} `json:"data"`
	}
	err := postBooking(ctx, c.http, c.creds.BaseURL+"/aladdin/api/v1/orders", body, map[string]string{
		"Authorization": "Bearer " + c.creds.ClientSecret,
	}, &resp)
	if err != nil {
		return "", err
	}
	return requireTracking("pathao", resp.Data.ConsignmentID)
}

type paperflyClient struct {
	creds domain.PaperflyCredentials
	http  *http.Client
}

func (c *paperflyClient) Book(ctx context.Context, req BookingRequest) (string, error) {
	body := map[string]any{
		"merOrderRef":  req.OrderID,
		"custname":     req.Receiver.Name,
		"custphone":    req.Receiver.Phone,
		"custaddress":  req.Receiver.Address,
		"region":       req.Receiver.Area,
		"max_price":    req.CODAmount,
		"customer_id":  c.creds.CustomerID,
		"product_info": "parcel",
	}
	var resp struct {
		Success struct {
			TrackingNumber string `json:"tracking_number"`
		} `json:"success"`
	}
	err := postBooking(ctx, c.http, c.creds.BaseURL+"/api/v1/order-place", body, map[string]string{
		"paperflykey": c.creds.Username + ":" + c.creds.Password,
	}, &resp)
	if err != nil {
		return "", err
	}
	return requireTracking("paperfly", resp.Success.TrackingNumber)
}

// requireTracking rejects a 2xx booking response that carries no tracking
// code, so the failure lands with a reason instead of an empty message.
func requireTracking(provider, trackingNo string) (string, error) {
	if trackingNo == "" {
		return "", domain.Errorf(domain.KindDispatchRejected,
			"%s accepted the booking but returned no tracking number", provider)
	}
	return trackingNo, nil
}

func postBooking(ctx context.Context, client *http.Client, url string, body any, headers map[string]string, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal booking request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create booking request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Errorf(domain.KindDispatchTimeout, "booking request timed out")
		}
		return domain.Errorf(domain.KindDispatchRejected, "booking request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Errorf(domain.KindDispatchRejected, "carrier returned status %d: %s", resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Errorf(domain.KindDispatchRejected, "decode booking response: %v", err)
	}
	return nil
}
