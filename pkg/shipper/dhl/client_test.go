package dhl_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/tournevent/carrierlink/pkg/shipper/credentials"
	"github.com/tournevent/carrierlink/pkg/shipper/dhl"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

func newTestClient(mockClient *dhl.MockAPIClient) *dhl.Client {
	logger := otelzap.New(zap.NewNop())
	tokens := credentials.NewManager(logger)
	return dhl.NewWithAPIClient(
		dhl.Config{},
		mockClient,
		tokens,
		logger,
		nil,
	)
}

// countAuth makes the mock issue token-1, token-2, ... and returns the counter.
func countAuth(mockAPI *dhl.MockAPIClient) *atomic.Int32 {
	var calls atomic.Int32
	mockAPI.OnAuthenticate = func(ctx context.Context) (*dhl.TokenResponse, error) {
		n := calls.Add(1)
		return &dhl.TokenResponse{AccessToken: fmt.Sprintf("token-%d", n), ExpiresIn: 1800}, nil
	}
	return &calls
}

func testRequest() *shipper.ShipmentRequest {
	return &shipper.ShipmentRequest{
		Carrier: "dhl",
		Shipper: shipper.Address{
			Name:        "Sender GmbH",
			StreetLines: []string{"Hauptstraße 5a", "Hinterhaus"},
			City:        "Bonn",
			PostalCode:  "53113",
			CountryCode: "DE",
		},
		Recipient: shipper.Address{
			Name:        "Jane Smith",
			StreetLines: []string{"456 Oak Ave"},
			City:        "New York",
			State:       "NY",
			PostalCode:  "10001",
			CountryCode: "US",
		},
		Packages: []shipper.Package{
			{
				Weight:     shipper.Weight{Amount: 2, Unit: shipper.WeightLB},
				Dimensions: &shipper.Dimensions{Length: 10, Width: 5, Height: 4, Unit: shipper.DimensionIN},
			},
		},
		Customs: []shipper.CustomsLineItem{
			{
				CommodityCode: "61091000",
				Description:   "Cotton T-shirts",
				GrossWeight:   shipper.Weight{Amount: 800, Unit: shipper.WeightG},
				NetWeight:     shipper.Weight{Amount: 750, Unit: shipper.WeightG},
			},
		},
		ServiceLevel:   shipper.ServiceStandard,
		Reference:      "order-1001",
		IdempotencyKey: "idem-1001",
	}
}

func TestClient_GetRates_Success(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	client := newTestClient(mockAPI)

	quotes, err := client.GetRates(context.Background(), testRequest())

	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "dhl", quotes[0].Carrier)
	assert.Equal(t, shipper.ServiceStandard, quotes[0].ServiceLevel)
	assert.Equal(t, shipper.ServiceEconomy, quotes[1].ServiceLevel)
	assert.Equal(t, 17.49, quotes[0].Cost.Amount)
	assert.Equal(t, "EUR", quotes[0].Cost.Currency)
}

func TestClient_GetRates_SkipsUnknownProducts(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	mockAPI.OnGetRates = func(ctx context.Context, token string, req *dhl.RatesRequest) (*dhl.RatesResponse, error) {
		return &dhl.RatesResponse{Products: []dhl.Product{{ProductCode: "V99XYZ", ProductName: "Pallet"}}}, nil
	}
	client := newTestClient(mockAPI)

	quotes, err := client.GetRates(context.Background(), testRequest())

	require.NoError(t, err)
	assert.NotNil(t, quotes)
	assert.Empty(t, quotes, "no bookable product is an empty result, not an error")
}

func TestClient_ReusesTokenAcrossCalls(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	authCalls := countAuth(mockAPI)
	var seen []string
	mockAPI.OnGetRates = func(ctx context.Context, token string, req *dhl.RatesRequest) (*dhl.RatesResponse, error) {
		seen = append(seen, token)
		return &dhl.RatesResponse{}, nil
	}
	client := newTestClient(mockAPI)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.GetRates(ctx, testRequest())
		require.NoError(t, err)
	}
	_, err := client.TrackShipment(ctx, &shipper.TrackingRequest{TrackingNumber: "00340434161094042557"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), authCalls.Load())
	assert.Equal(t, []string{"token-1", "token-1", "token-1"}, seen)
}

func TestClient_UnauthorizedInvalidatesToken(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	authCalls := countAuth(mockAPI)
	var seen []string
	mockAPI.OnGetRates = func(ctx context.Context, token string, req *dhl.RatesRequest) (*dhl.RatesResponse, error) {
		seen = append(seen, token)
		if token == "token-1" {
			return nil, &dhl.APIError{StatusCode: http.StatusUnauthorized, Title: "Unauthorized", Detail: "token expired"}
		}
		return &dhl.RatesResponse{}, nil
	}
	client := newTestClient(mockAPI)

	ctx := context.Background()
	_, err := client.GetRates(ctx, testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrAuth))
	assert.True(t, shipper.IsTokenRejected(err))

	_, err = client.GetRates(ctx, testRequest())
	require.NoError(t, err)

	assert.Equal(t, int32(2), authCalls.Load())
	assert.Equal(t, []string{"token-1", "token-2"}, seen)
}

func TestClient_ForbiddenKeepsToken(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	authCalls := countAuth(mockAPI)
	mockAPI.OnGetRates = func(ctx context.Context, token string, req *dhl.RatesRequest) (*dhl.RatesResponse, error) {
		return nil, &dhl.APIError{StatusCode: http.StatusForbidden, Title: "Forbidden"}
	}
	client := newTestClient(mockAPI)

	for i := 0; i < 2; i++ {
		_, err := client.GetRates(context.Background(), testRequest())
		assert.True(t, errors.Is(err, shipper.ErrAuth))
		assert.False(t, shipper.IsTokenRejected(err))
	}
	assert.Equal(t, int32(1), authCalls.Load())
}

func TestClient_ValidationPrecedesNetwork(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	authCalls := countAuth(mockAPI)
	var apiCalls atomic.Int32
	mockAPI.OnGetRates = func(ctx context.Context, token string, req *dhl.RatesRequest) (*dhl.RatesResponse, error) {
		apiCalls.Add(1)
		return &dhl.RatesResponse{}, nil
	}
	mockAPI.OnCreateOrder = func(ctx context.Context, token, key string, req *dhl.OrderRequest) (*dhl.OrderResponse, error) {
		apiCalls.Add(1)
		return &dhl.OrderResponse{}, nil
	}
	client := newTestClient(mockAPI)

	req := testRequest()
	req.Recipient.CountryCode = "USA"

	_, err := client.GetRates(context.Background(), req)
	assert.True(t, errors.Is(err, shipper.ErrValidation))
	_, err = client.CreateShipment(context.Background(), req)
	assert.True(t, errors.Is(err, shipper.ErrValidation))

	assert.Equal(t, int32(0), authCalls.Load())
	assert.Equal(t, int32(0), apiCalls.Load())
}

func TestClient_CreateShipment_Success(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	var gotKey string
	var gotReq *dhl.OrderRequest
	mockAPI.OnCreateOrder = func(ctx context.Context, token, key string, req *dhl.OrderRequest) (*dhl.OrderResponse, error) {
		gotKey = key
		gotReq = req
		return &dhl.OrderResponse{
			Status: dhl.Status{Title: "OK", StatusCode: 200},
			Items: []dhl.OrderItem{{
				ShipmentNo:     "00340434161094042557",
				Label:          &dhl.Document{URL: "https://labels.example/1.pdf"},
				ShipmentCharge: &dhl.Money{Currency: "EUR", Value: 17.49},
			}},
			Raw: []byte(`{"items":[{"shipmentNo":"00340434161094042557"}]}`),
		}, nil
	}
	client := newTestClient(mockAPI)

	result, err := client.CreateShipment(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "dhl", result.Carrier)
	assert.Equal(t, "00340434161094042557", result.TrackingNumber)
	assert.Equal(t, "https://labels.example/1.pdf", result.LabelReference)
	assert.Equal(t, shipper.Money{Amount: 17.49, Currency: "EUR"}, result.EstimatedCost)
	assert.JSONEq(t, `{"items":[{"shipmentNo":"00340434161094042557"}]}`, string(result.RawResponse))
	assert.False(t, result.CreatedAt.IsZero())

	assert.Equal(t, "idem-1001", gotKey)
	require.Len(t, gotReq.Shipments, 1)
	s := gotReq.Shipments[0]
	assert.Equal(t, "V53WPAK", s.Product, "international standard product")
	assert.Equal(t, "order-1001", s.RefNo)
	assert.Equal(t, "Hauptstraße", s.Shipper.AddressStreet)
	assert.Equal(t, "5a", s.Shipper.AddressHouse)
	assert.Equal(t, "Hinterhaus", s.Shipper.AdditionalAddressInformation1)
	assert.Equal(t, "Oak Ave", s.Consignee.AddressStreet)
	assert.Equal(t, "456", s.Consignee.AddressHouse)

	require.Len(t, s.Pieces, 1)
	assert.Equal(t, "kg", s.Pieces[0].Weight.UOM)
	assert.InDelta(t, 0.908, s.Pieces[0].Weight.Value, 1e-9)
	require.NotNil(t, s.Pieces[0].Dim)
	assert.Equal(t, "cm", s.Pieces[0].Dim.UOM)
	assert.InDelta(t, 25.4, s.Pieces[0].Dim.Length, 1e-9)

	require.NotNil(t, s.Customs)
	require.Len(t, s.Customs.Items, 1)
	assert.Equal(t, "61091000", s.Customs.Items[0].HSCode)
	assert.Equal(t, dhl.Weight{UOM: "kg", Value: 0.8}, s.Customs.Items[0].GrossWeight)
	assert.Equal(t, dhl.Weight{UOM: "kg", Value: 0.75}, s.Customs.Items[0].NetWeight)
}

func TestClient_CreateShipment_DomesticProduct(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	var product string
	mockAPI.OnCreateOrder = func(ctx context.Context, token, key string, req *dhl.OrderRequest) (*dhl.OrderResponse, error) {
		product = req.Shipments[0].Product
		return &dhl.OrderResponse{Items: []dhl.OrderItem{{ShipmentNo: "340434161094"}}}, nil
	}
	client := newTestClient(mockAPI)

	req := testRequest()
	req.Recipient = req.Shipper
	req.Customs = nil
	req.ServiceLevel = shipper.ServiceEconomy

	result, err := client.CreateShipment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "V62WP", product)
	assert.Equal(t, "shipment:340434161094", result.LabelReference)
}

func TestClient_CreateShipment_UnsupportedService(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	authCalls := countAuth(mockAPI)
	client := newTestClient(mockAPI)

	req := testRequest()
	req.ServiceLevel = shipper.ServiceOvernight

	_, err := client.CreateShipment(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrCarrierRejected))
	assert.Equal(t, int32(0), authCalls.Load())
}

func TestClient_CreateShipment_OrderRejected(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	mockAPI.OnCreateOrder = func(ctx context.Context, token, key string, req *dhl.OrderRequest) (*dhl.OrderResponse, error) {
		return &dhl.OrderResponse{
			Status: dhl.Status{Title: "Bad Request", StatusCode: 400},
			Items: []dhl.OrderItem{{
				Sstatus: dhl.Status{Title: "Bad Request", StatusCode: 400, Detail: "Invalid address"},
				ValidationMessages: []dhl.ValidationMessage{
					{Property: "consignee.postalCode", ValidationMessage: "postal code does not match city", ValidationState: "Error"},
				},
			}},
		}, nil
	}
	client := newTestClient(mockAPI)

	_, err := client.CreateShipment(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrCarrierRejected))
	assert.Contains(t, err.Error(), "consignee.postalCode: postal code does not match city")
}

func TestClient_ErrorsAreTranslated(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
		code string
	}{
		{"server error", &dhl.APIError{StatusCode: 503, Title: "Service Unavailable"}, shipper.ErrTransient, "SERVICE_UNAVAILABLE"},
		{"rate limited", &dhl.APIError{StatusCode: 429, Title: "Too Many Requests"}, shipper.ErrTransient, "TOO_MANY_REQUESTS"},
		{"bad request", &dhl.APIError{StatusCode: 400, Title: "Bad Request", Detail: "weight exceeds 31.5 kg"}, shipper.ErrCarrierRejected, "BAD_REQUEST"},
		{"not found", &dhl.APIError{StatusCode: 404, Title: "Not Found"}, shipper.ErrCarrierRejected, shipper.CodeNotFound},
		{"network", errors.New("connection reset by peer"), shipper.ErrTransient, shipper.CodeNetwork},
		{"deadline", fmt.Errorf("Post: %w", context.DeadlineExceeded), shipper.ErrTimeout, shipper.CodeDeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockAPI := dhl.NewMockAPIClient()
			mockAPI.OnGetRates = func(ctx context.Context, token string, req *dhl.RatesRequest) (*dhl.RatesResponse, error) {
				return nil, tt.err
			}
			client := newTestClient(mockAPI)

			_, err := client.GetRates(context.Background(), testRequest())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind))

			var shipperErr *shipper.ShipperError
			require.True(t, errors.As(err, &shipperErr))
			assert.Equal(t, "dhl", shipperErr.Carrier)
			assert.Equal(t, tt.code, shipperErr.Code)

			var apiErr *dhl.APIError
			assert.False(t, errors.As(err, &apiErr), "carrier error shapes stay inside the adapter")
		})
	}
}

func TestClient_TrackShipment_OrdersAndMapsEvents(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	mockAPI.OnGetTracking = func(ctx context.Context, token, number string) (*dhl.TrackingResponse, error) {
		return &dhl.TrackingResponse{Shipments: []dhl.TrackedShipment{{
			ID: number,
			Events: []dhl.TrackingEvent{
				{Timestamp: "2026-03-03T09:15:00+01:00", StatusCode: "delivered", Status: "Delivered"},
				{Timestamp: "2026-03-02T18:00:00+01:00", StatusCode: "customs-hold", Status: "Held by customs"},
				{Timestamp: "2026-03-02T07:30:00+01:00", StatusCode: "out-for-delivery", Status: "Out for delivery"},
				{Timestamp: "2026-03-01T12:00:00+01:00", StatusCode: "pre-transit", Status: "Data received"},
			},
		}}}, nil
	}
	client := newTestClient(mockAPI)

	events, err := client.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "00340434161094042557"})
	require.NoError(t, err)
	require.Len(t, events, 4)

	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp), "events are oldest first")
	}
	assert.Equal(t, shipper.StatusCreated, events[0].Status)
	assert.Equal(t, shipper.StatusOutForDelivery, events[1].Status)
	assert.Equal(t, shipper.StatusUnknown, events[2].Status)
	assert.Equal(t, "customs-hold", events[2].RawStatus)
	assert.Equal(t, shipper.StatusDelivered, events[3].Status)
	assert.Equal(t, time.Date(2026, 3, 3, 8, 15, 0, 0, time.UTC), events[3].Timestamp)
}

func TestClient_TrackShipment_MixedTimestampLayouts(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	mockAPI.OnGetTracking = func(ctx context.Context, token, number string) (*dhl.TrackingResponse, error) {
		return &dhl.TrackingResponse{Shipments: []dhl.TrackedShipment{{
			ID: number,
			Events: []dhl.TrackingEvent{
				{Timestamp: "2024-03-02T10:00:00+01:00", StatusCode: "transit"},
				{Timestamp: "2024-03-03 09:00:00", StatusCode: "delivered"},
			},
		}}}, nil
	}
	client := newTestClient(mockAPI)

	events, err := client.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "00340434161094042557"})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, shipper.StatusInTransit, events[0].Status)
	assert.Equal(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), events[0].Timestamp)
	assert.Equal(t, shipper.StatusDelivered, events[1].Status)
	assert.Equal(t, time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC), events[1].Timestamp)
	assert.Equal(t, shipper.StatusDelivered, shipper.LatestStatus(events))
}

func TestClient_TrackShipment_UnreadableTimestamp(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	mockAPI.OnGetTracking = func(ctx context.Context, token, number string) (*dhl.TrackingResponse, error) {
		return &dhl.TrackingResponse{Shipments: []dhl.TrackedShipment{{
			ID: number,
			Events: []dhl.TrackingEvent{
				{Timestamp: "2024-03-02T10:00:00+01:00", StatusCode: "transit"},
				{Timestamp: "03/03/2024 09:00", StatusCode: "delivered"},
			},
		}}}, nil
	}
	client := newTestClient(mockAPI)

	events, err := client.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "00340434161094042557"})
	require.Error(t, err)
	assert.Nil(t, events)
	assert.True(t, errors.Is(err, shipper.ErrTransient))

	var shipperErr *shipper.ShipperError
	require.True(t, errors.As(err, &shipperErr))
	assert.Equal(t, shipper.CodeDecode, shipperErr.Code)
}

func TestClient_TrackShipment_NotFound(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	mockAPI.OnGetTracking = func(ctx context.Context, token, number string) (*dhl.TrackingResponse, error) {
		return &dhl.TrackingResponse{}, nil
	}
	client := newTestClient(mockAPI)

	_, err := client.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "00340434161094042557"})
	require.Error(t, err)
	assert.True(t, shipper.IsNotFound(err))
	assert.True(t, errors.Is(err, shipper.ErrCarrierRejected))
}

func TestClient_ValidateAddress(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	mockAPI.OnValidateAddress = func(ctx context.Context, token string, req *dhl.AddressValidationRequest) (*dhl.AddressValidationResponse, error) {
		assert.Equal(t, "Hauptstraße", req.Address.AddressStreet)
		return &dhl.AddressValidationResponse{
			Valid:      false,
			Suggestion: &dhl.Contact{Name1: "Sender GmbH", AddressStreet: "Hauptstraße", AddressHouse: "5A", PostalCode: "53111", City: "Bonn", Country: "DE"},
			Messages:   []dhl.ValidationMessage{{Property: "postalCode", ValidationMessage: "postal code corrected"}},
		}, nil
	}
	client := newTestClient(mockAPI)

	result, err := client.ValidateAddress(context.Background(), testRequest().Shipper)
	require.NoError(t, err)

	assert.Equal(t, "dhl", result.Carrier)
	assert.False(t, result.Valid)
	require.NotNil(t, result.SuggestedCorrection)
	assert.Equal(t, []string{"Hauptstraße 5A"}, result.SuggestedCorrection.StreetLines)
	assert.Equal(t, "53111", result.SuggestedCorrection.PostalCode)
	assert.Equal(t, []string{"postalCode: postal code corrected"}, result.Issues)
}

func TestClient_MatchesTrackingNumber(t *testing.T) {
	client := newTestClient(dhl.NewMockAPIClient())

	assert.True(t, client.MatchesTrackingNumber("00340434161094042557"))
	assert.True(t, client.MatchesTrackingNumber("340434161094"))
	assert.True(t, client.MatchesTrackingNumber("JJD000390007882311"))
	assert.False(t, client.MatchesTrackingNumber("12345678901"))
	assert.False(t, client.MatchesTrackingNumber("ZXFG7H2K"))
}

func TestClient_TestAuthentication(t *testing.T) {
	mockAPI := dhl.NewMockAPIClient()
	client := newTestClient(mockAPI)
	assert.NoError(t, client.TestAuthentication(context.Background()))

	rejected := dhl.NewMockAPIClient()
	rejected.OnAuthenticate = func(ctx context.Context) (*dhl.TokenResponse, error) {
		return nil, &dhl.APIError{StatusCode: http.StatusUnauthorized, Title: "Unauthorized", Detail: "invalid credentials"}
	}
	err := newTestClient(rejected).TestAuthentication(context.Background())
	assert.True(t, errors.Is(err, shipper.ErrAuth))
}

func TestNew_MissingCredentials(t *testing.T) {
	logger := otelzap.New(zap.NewNop())
	client := dhl.New(dhl.Config{BaseURL: "http://127.0.0.1:1"}, credentials.NewManager(logger), logger, nil)

	err := client.TestAuthentication(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrAuth))

	var shipperErr *shipper.ShipperError
	require.True(t, errors.As(err, &shipperErr))
	assert.Equal(t, shipper.CodeMissingCredentials, shipperErr.Code)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, dhl.SandboxURL, dhl.BaseURL(dhl.Config{}))
	assert.Equal(t, dhl.ProductionURL, dhl.BaseURL(dhl.Config{Environment: "production"}))
	assert.Equal(t, "http://local", dhl.BaseURL(dhl.Config{BaseURL: "http://local", Environment: "production"}))
}
