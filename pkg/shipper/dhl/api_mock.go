package dhl

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/carrierlink/pkg/shipper"
)

// MockAPIClient is a mock implementation of APIClient for testing.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnAuthenticate    func(ctx context.Context) (*TokenResponse, error)
	OnPing            func(ctx context.Context, token string) error
	OnValidateAddress func(ctx context.Context, token string, req *AddressValidationRequest) (*AddressValidationResponse, error)
	OnGetRates        func(ctx context.Context, token string, req *RatesRequest) (*RatesResponse, error)
	OnCreateOrder     func(ctx context.Context, token, idempotencyKey string, req *OrderRequest) (*OrderResponse, error)
	OnGetTracking     func(ctx context.Context, token, trackingNumber string) (*TrackingResponse, error)
}

// NewMockAPIClient creates a new mock API client with default behavior.
func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{}
}

func (m *MockAPIClient) simulate(ctx context.Context) error {
	if m.SimulateLatency > 0 {
		select {
		case <-time.After(m.SimulateLatency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.SimulateErrors {
		return &APIError{StatusCode: http.StatusInternalServerError, Title: "Mock Error", Detail: "Simulated API error"}
	}
	return nil
}

// Authenticate returns a mock access token.
func (m *MockAPIClient) Authenticate(ctx context.Context) (*TokenResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnAuthenticate != nil {
		return m.OnAuthenticate(ctx)
	}
	return &TokenResponse{
		AccessToken: "mock-dhl-" + uuid.NewString(),
		TokenType:   "Bearer",
		ExpiresIn:   1799,
	}, nil
}

// Ping succeeds unless errors are simulated.
func (m *MockAPIClient) Ping(ctx context.Context, token string) error {
	if err := m.simulate(ctx); err != nil {
		return err
	}
	if m.OnPing != nil {
		return m.OnPing(ctx, token)
	}
	return nil
}

// ValidateAddress accepts every address.
func (m *MockAPIClient) ValidateAddress(ctx context.Context, token string, req *AddressValidationRequest) (*AddressValidationResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnValidateAddress != nil {
		return m.OnValidateAddress(ctx, token, req)
	}
	return &AddressValidationResponse{Valid: true}, nil
}

// GetRates returns mock product quotes.
func (m *MockAPIClient) GetRates(ctx context.Context, token string, req *RatesRequest) (*RatesResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetRates != nil {
		return m.OnGetRates(ctx, token, req)
	}

	international := req.Origin.Country != req.Destination.Country
	standard := Product{ProductCode: productCode(shipper.ServiceStandard, international), ProductName: "DHL Paket", TotalPrice: Money{Currency: "EUR", Value: 6.99}}
	standard.DeliveryCapabilities.TotalTransitDays = 2
	economy := Product{ProductCode: productCode(shipper.ServiceEconomy, international), ProductName: "DHL Warenpost", TotalPrice: Money{Currency: "EUR", Value: 4.39}}
	economy.DeliveryCapabilities.TotalTransitDays = 4
	if international {
		standard.TotalPrice.Value = 17.49
		standard.DeliveryCapabilities.TotalTransitDays = 5
		economy.TotalPrice.Value = 9.90
		economy.DeliveryCapabilities.TotalTransitDays = 8
	}

	return &RatesResponse{Products: []Product{standard, economy}}, nil
}

// CreateOrder returns a mock created shipment.
func (m *MockAPIClient) CreateOrder(ctx context.Context, token, idempotencyKey string, req *OrderRequest) (*OrderResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnCreateOrder != nil {
		return m.OnCreateOrder(ctx, token, idempotencyKey, req)
	}

	shipmentNo := fmt.Sprintf("0034043416%010d", rand.Int63n(1e10))
	resp := &OrderResponse{
		Status: Status{Title: "OK", StatusCode: http.StatusOK},
		Items: []OrderItem{
			{
				ShipmentNo:     shipmentNo,
				Sstatus:        Status{Title: "OK", StatusCode: http.StatusOK},
				Label:          &Document{URL: "https://mock.dhl.local/labels/" + shipmentNo + ".pdf", FileFormat: "PDF"},
				ShipmentCharge: &Money{Currency: "EUR", Value: 6.99},
			},
		},
	}
	resp.Raw, _ = json.Marshal(resp)
	return resp, nil
}

// GetTracking returns mock tracking events, newest first like the real API.
func (m *MockAPIClient) GetTracking(ctx context.Context, token, trackingNumber string) (*TrackingResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetTracking != nil {
		return m.OnGetTracking(ctx, token, trackingNumber)
	}

	now := time.Now().UTC()
	return &TrackingResponse{
		Shipments: []TrackedShipment{
			{
				ID: trackingNumber,
				Events: []TrackingEvent{
					{Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339), StatusCode: "transit", Status: "In transit", Description: "The shipment has been processed in the parcel center"},
					{Timestamp: now.Add(-26 * time.Hour).Format(time.RFC3339), StatusCode: "pre-transit", Status: "Electronic notification", Description: "The shipment data has been transmitted"},
				},
			},
		},
	}, nil
}

// Ensure MockAPIClient implements APIClient interface
var _ APIClient = (*MockAPIClient)(nil)
