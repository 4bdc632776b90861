package gls

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockAPIClient is a mock implementation of APIClient for testing.
type MockAPIClient struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnAuthenticate    func(ctx context.Context) (*TokenResponse, error)
	OnValidateAddress func(ctx context.Context, token string, req *AddressValidationRequest) (*AddressValidationResponse, error)
	OnGetQuotes       func(ctx context.Context, token string, req *QuoteRequest) (*QuoteResponse, error)
	OnCreateShipment  func(ctx context.Context, token string, req *ShipmentRequest) (*ShipmentResponse, error)
	OnGetParcel       func(ctx context.Context, token, trackID string) (*ParcelResponse, error)
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
		return &APIError{StatusCode: http.StatusServiceUnavailable, Code: "MOCK_ERROR", Message: "Simulated API error"}
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
		AccessToken: "mock-gls-" + uuid.NewString(),
		TokenType:   "Bearer",
		ExpiresIn:   14400,
	}, nil
}

// ValidateAddress accepts every address.
func (m *MockAPIClient) ValidateAddress(ctx context.Context, token string, req *AddressValidationRequest) (*AddressValidationResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnValidateAddress != nil {
		return m.OnValidateAddress(ctx, token, req)
	}
	return &AddressValidationResponse{Status: ValidationValid}, nil
}

// GetQuotes returns mock quotes.
func (m *MockAPIClient) GetQuotes(ctx context.Context, token string, req *QuoteRequest) (*QuoteResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetQuotes != nil {
		return m.OnGetQuotes(ctx, token, req)
	}

	var grams int64
	for _, p := range req.Parcels {
		grams += p.WeightGrams
	}
	surcharge := float64(grams/1000) * 0.35

	return &QuoteResponse{
		Quotes: []Quote{
			{Product: "PARCEL", ProductName: "GLS BusinessParcel", Price: Price{Amount: 5.90 + surcharge, Currency: "EUR"}, TransitDays: 2},
			{Product: "EXPRESS", ProductName: "GLS ExpressParcel", Price: Price{Amount: 14.50 + surcharge, Currency: "EUR"}, TransitDays: 1},
		},
	}, nil
}

// CreateShipment returns a mock created shipment.
func (m *MockAPIClient) CreateShipment(ctx context.Context, token string, req *ShipmentRequest) (*ShipmentResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnCreateShipment != nil {
		return m.OnCreateShipment(ctx, token, req)
	}

	resp := &ShipmentResponse{
		ShipmentID: uuid.NewString(),
		Price:      &Price{Amount: 5.90, Currency: "EUR"},
	}
	for range req.Parcels {
		resp.Parcels = append(resp.Parcels, CreatedParcel{
			TrackID:      strings.ToUpper(uuid.NewString()[:8]),
			ParcelNumber: fmt.Sprintf("%011d", rand.Int63n(1e11)),
		})
	}
	resp.Labels = []Label{{DocumentID: "label-" + resp.ShipmentID, Format: "PDF"}}
	resp.Raw, _ = json.Marshal(resp)
	return resp, nil
}

// GetParcel returns mock tracking events.
func (m *MockAPIClient) GetParcel(ctx context.Context, token, trackID string) (*ParcelResponse, error) {
	if err := m.simulate(ctx); err != nil {
		return nil, err
	}
	if m.OnGetParcel != nil {
		return m.OnGetParcel(ctx, token, trackID)
	}

	now := time.Now().UTC()
	return &ParcelResponse{
		TrackID: trackID,
		Events: []ParcelEvent{
			{Timestamp: now.Add(-30 * time.Hour).Format(time.RFC3339), Code: "PREADVICE", Description: "The parcel data was entered into the GLS system", Location: EventLocation{City: "Neuenstein", CountryCode: "DE"}},
			{Timestamp: now.Add(-20 * time.Hour).Format(time.RFC3339), Code: "INTRANSIT", Description: "The parcel has left the parcel center", Location: EventLocation{City: "Neuenstein", CountryCode: "DE"}},
			{Timestamp: now.Add(-3 * time.Hour).Format(time.RFC3339), Code: "INDELIVERY", Description: "The parcel is expected to be delivered today", Location: EventLocation{City: "Berlin", CountryCode: "DE"}},
		},
	}, nil
}

var _ APIClient = (*MockAPIClient)(nil)
