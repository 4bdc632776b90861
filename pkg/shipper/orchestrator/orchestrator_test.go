package orchestrator_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/tournevent/carrierlink/pkg/shipper/credentials"
	"github.com/tournevent/carrierlink/pkg/shipper/dhl"
	"github.com/tournevent/carrierlink/pkg/shipper/mock"
	"github.com/tournevent/carrierlink/pkg/shipper/orchestrator"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

func testLogger() *otelzap.Logger {
	return otelzap.New(zap.NewNop())
}

func testConfig() orchestrator.Config {
	return orchestrator.Config{
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func newOrchestrator(cfg orchestrator.Config, carriers ...shipper.Shipper) *orchestrator.Orchestrator {
	registry := shipper.NewRegistry()
	for _, c := range carriers {
		registry.Register(c)
	}
	return orchestrator.New(cfg, registry, testLogger())
}

func testRequest(carrier string) *shipper.ShipmentRequest {
	return &shipper.ShipmentRequest{
		Carrier: carrier,
		Shipper: shipper.Address{
			Name:        "Warehouse Nord",
			StreetLines: []string{"Lagerstraße 12"},
			City:        "Hamburg",
			PostalCode:  "20095",
			CountryCode: "DE",
		},
		Recipient: shipper.Address{
			Name:        "Jan de Vries",
			StreetLines: []string{"Damrak 1"},
			City:        "Amsterdam",
			PostalCode:  "1012LG",
			CountryCode: "NL",
		},
		Packages: []shipper.Package{
			{Weight: shipper.Weight{Amount: 1.2, Unit: shipper.WeightKG}},
		},
		ServiceLevel:   shipper.ServiceStandard,
		Reference:      "order-77",
		IdempotencyKey: "idem-77",
	}
}

func transientErr(carrier string) error {
	return shipper.ClassifyStatus(carrier, http.StatusServiceUnavailable, "", "")
}

func quote(carrier string, cost float64, days int) shipper.RateQuote {
	return shipper.RateQuote{
		Carrier:       carrier,
		ServiceLevel:  shipper.ServiceStandard,
		Cost:          shipper.Money{Amount: cost, Currency: "EUR"},
		EstimatedDays: days,
	}
}

// ============================================================================
// GetRates
// ============================================================================

func TestGetRates_MergesAndSorts(t *testing.T) {
	a := mock.New("a")
	a.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		return []shipper.RateQuote{quote("a", 12.50, 3)}, nil
	}
	b := mock.New("b")
	b.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		return []shipper.RateQuote{quote("b", 9.00, 5), quote("b", 12.50, 2)}, nil
	}
	o := newOrchestrator(testConfig(), a, b)

	req := testRequest("")
	quotes, err := o.GetRates(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, quotes, 3)

	assert.Equal(t, 9.00, quotes[0].Cost.Amount)
	assert.Equal(t, 5, quotes[0].EstimatedDays)
	assert.Equal(t, 12.50, quotes[1].Cost.Amount)
	assert.Equal(t, 2, quotes[1].EstimatedDays)
	assert.Equal(t, 12.50, quotes[2].Cost.Amount)
	assert.Equal(t, 3, quotes[2].EstimatedDays)
}

func TestGetRates_RoutesToNamedCarrier(t *testing.T) {
	a := mock.New("a")
	b := mock.New("b")
	o := newOrchestrator(testConfig(), a, b)

	quotes, err := o.GetRates(context.Background(), testRequest("b"))
	require.NoError(t, err)
	assert.NotEmpty(t, quotes)
	for _, q := range quotes {
		assert.Equal(t, "b", q.Carrier)
	}
	assert.Equal(t, 0, a.Calls(mock.OpGetRates))
	assert.Equal(t, 1, b.Calls(mock.OpGetRates))
}

func TestGetRates_PartialFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1

	a := mock.New("a")
	a.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		return nil, transientErr("a")
	}
	b := mock.New("b")
	o := newOrchestrator(cfg, a, b)

	quotes, err := o.GetRates(context.Background(), testRequest(""))
	require.NoError(t, err)
	require.NotEmpty(t, quotes)
	for _, q := range quotes {
		assert.Equal(t, "b", q.Carrier)
	}
}

func TestGetRates_AllCarriersFail(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1

	a := mock.New("a")
	a.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		return nil, transientErr("a")
	}
	b := mock.New("b")
	b.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		return nil, shipper.NewShipperError("b", shipper.ErrCarrierRejected, "LANE_UNSUPPORTED", "lane not served")
	}
	o := newOrchestrator(cfg, a, b)

	_, err := o.GetRates(context.Background(), testRequest(""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrTransient))
	assert.True(t, errors.Is(err, shipper.ErrCarrierRejected))
}

func TestGetRates_ValidationPrecedesNetwork(t *testing.T) {
	a := mock.New("a")
	o := newOrchestrator(testConfig(), a)

	req := testRequest("")
	req.Recipient.CountryCode = "USA"

	_, err := o.GetRates(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrValidation))

	var validationErr *shipper.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Contains(t, validationErr.Fields(), "recipient.countryCode")
	assert.Equal(t, 0, a.Calls(mock.OpGetRates))
}

func TestGetRates_UnknownCarrier(t *testing.T) {
	o := newOrchestrator(testConfig(), mock.New("a"))

	_, err := o.GetRates(context.Background(), testRequest("fedex"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrUnknownCarrier))
}

func TestGetRates_NoCarriers(t *testing.T) {
	o := newOrchestrator(testConfig())

	_, err := o.GetRates(context.Background(), testRequest(""))
	assert.True(t, errors.Is(err, shipper.ErrUnknownCarrier))
}

// ============================================================================
// Retry policy
// ============================================================================

func TestRetry_TransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	a := mock.New("a")
	a.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		if calls.Add(1) <= 2 {
			return nil, transientErr("a")
		}
		return []shipper.RateQuote{quote("a", 5, 1)}, nil
	}
	o := newOrchestrator(testConfig(), a)

	quotes, err := o.GetRates(context.Background(), testRequest("a"))
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_StopsAtMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	a := mock.New("a")
	a.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		calls.Add(1)
		return nil, transientErr("a")
	}
	o := newOrchestrator(testConfig(), a)

	_, err := o.GetRates(context.Background(), testRequest("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrTransient))
	assert.False(t, errors.Is(err, shipper.ErrTimeout))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_RejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	a := mock.New("a")
	a.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		calls.Add(1)
		return nil, shipper.ClassifyStatus("a", http.StatusBadRequest, "BAD_NUMBER", "malformed")
	}
	o := newOrchestrator(testConfig(), a)

	_, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "X1", Carrier: "a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrCarrierRejected))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetry_PerCarrierPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Carriers = map[string]orchestrator.CarrierPolicy{"a": {MaxAttempts: 1}}

	var calls atomic.Int32
	a := mock.New("a")
	a.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		calls.Add(1)
		return nil, transientErr("a")
	}
	o := newOrchestrator(cfg, a)

	_, err := o.GetRates(context.Background(), testRequest("a"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeout_DistinctFromTransient(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 150 * time.Millisecond
	cfg.MaxAttempts = 100

	var calls atomic.Int32
	a := mock.New("a")
	a.OnGetRates = func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
		// Would succeed on the 50th attempt, long after the deadline.
		if calls.Add(1) >= 50 {
			return []shipper.RateQuote{quote("a", 5, 1)}, nil
		}
		select {
		case <-time.After(40 * time.Millisecond):
			return nil, transientErr("a")
		case <-ctx.Done():
			return nil, shipper.NetworkError("a", ctx.Err())
		}
	}
	o := newOrchestrator(cfg, a)

	start := time.Now()
	_, err := o.GetRates(context.Background(), testRequest("a"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrTimeout))
	assert.False(t, errors.Is(err, shipper.ErrTransient))
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, calls.Load(), int32(50))
}

// ============================================================================
// Token refresh through a real adapter
// ============================================================================

func newDHL(api *dhl.MockAPIClient) *dhl.Client {
	logger := testLogger()
	return dhl.NewWithAPIClient(dhl.Config{}, api, credentials.NewManager(logger), logger, nil)
}

func TestTokenRejected_ReauthenticatesOnce(t *testing.T) {
	var authCalls, rateCalls atomic.Int32
	api := dhl.NewMockAPIClient()
	api.OnAuthenticate = func(ctx context.Context) (*dhl.TokenResponse, error) {
		authCalls.Add(1)
		return &dhl.TokenResponse{AccessToken: "tok", ExpiresIn: 1800}, nil
	}
	api.OnGetRates = func(ctx context.Context, token string, req *dhl.RatesRequest) (*dhl.RatesResponse, error) {
		if rateCalls.Add(1) == 1 {
			return nil, &dhl.APIError{StatusCode: http.StatusUnauthorized, Title: "Unauthorized"}
		}
		return &dhl.RatesResponse{Products: []dhl.Product{{
			ProductCode: "V01PAK",
			ProductName: "DHL Paket",
			TotalPrice:  dhl.Money{Currency: "EUR", Value: 6.99},
		}}}, nil
	}
	o := newOrchestrator(testConfig(), newDHL(api))

	quotes, err := o.GetRates(context.Background(), testRequest("dhl"))
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.Equal(t, int32(2), authCalls.Load())
	assert.Equal(t, int32(2), rateCalls.Load())
}

func TestTokenRejected_SecondRejectionIsTerminal(t *testing.T) {
	var authCalls, rateCalls atomic.Int32
	api := dhl.NewMockAPIClient()
	api.OnAuthenticate = func(ctx context.Context) (*dhl.TokenResponse, error) {
		authCalls.Add(1)
		return &dhl.TokenResponse{AccessToken: "tok", ExpiresIn: 1800}, nil
	}
	api.OnGetRates = func(ctx context.Context, token string, req *dhl.RatesRequest) (*dhl.RatesResponse, error) {
		rateCalls.Add(1)
		return nil, &dhl.APIError{StatusCode: http.StatusUnauthorized, Title: "Unauthorized"}
	}
	o := newOrchestrator(testConfig(), newDHL(api))

	_, err := o.GetRates(context.Background(), testRequest("dhl"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrAuth))
	assert.Equal(t, int32(2), authCalls.Load())
	assert.Equal(t, int32(2), rateCalls.Load())
}

// ============================================================================
// TrackShipment
// ============================================================================

func notFound(carrier string) error {
	return shipper.ClassifyStatus(carrier, http.StatusNotFound, "", "unknown shipment")
}

func TestTrackShipment_BroadcastFirstWithEvents(t *testing.T) {
	a := mock.New("a")
	a.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		return nil, notFound("a")
	}
	b := mock.New("b")
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	b.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		return []shipper.TrackingEvent{
			{Timestamp: ts, Status: shipper.StatusCreated, RawStatus: "created"},
			{Timestamp: ts.Add(time.Hour), Status: shipper.StatusDelivered, RawStatus: "delivered"},
		}, nil
	}
	o := newOrchestrator(testConfig(), a, b)

	result, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "XYZ123"})
	require.NoError(t, err)
	assert.Equal(t, "b", result.Carrier)
	assert.Equal(t, "XYZ123", result.TrackingNumber)
	assert.Equal(t, shipper.StatusDelivered, result.Status)
	assert.Len(t, result.Events, 2)
	assert.Equal(t, 1, a.Calls(mock.OpTrackShipment))
}

func TestTrackShipment_MatcherNarrowsCandidates(t *testing.T) {
	a := mock.New("a")
	a.TrackingPrefix = "AA"
	b := mock.New("b")
	b.TrackingPrefix = "BB"
	o := newOrchestrator(testConfig(), a, b)

	result, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "BB0042"})
	require.NoError(t, err)
	assert.Equal(t, "b", result.Carrier)
	assert.Equal(t, shipper.StatusInTransit, result.Status)
	assert.Equal(t, 0, a.Calls(mock.OpTrackShipment))
	assert.Equal(t, 1, b.Calls(mock.OpTrackShipment))
}

func TestTrackShipment_FallsBackWhenCandidatesMiss(t *testing.T) {
	a := mock.New("a")
	a.TrackingPrefix = "AA"
	a.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		return nil, notFound("a")
	}
	b := mock.New("b")
	o := newOrchestrator(testConfig(), a, b)

	result, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "AA0042"})
	require.NoError(t, err)
	assert.Equal(t, "b", result.Carrier)
	assert.Equal(t, 1, a.Calls(mock.OpTrackShipment))
	assert.Equal(t, 1, b.Calls(mock.OpTrackShipment))
}

func slowTracking(carrier string, delay time.Duration) func(context.Context, *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
	return func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		select {
		case <-time.After(delay):
			return []shipper.TrackingEvent{{Timestamp: time.Now().UTC(), Status: shipper.StatusInTransit, RawStatus: "transit"}}, nil
		case <-ctx.Done():
			return nil, shipper.NetworkError(carrier, ctx.Err())
		}
	}
}

func TestTrackShipment_BroadcastSharesOneDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxAttempts = 1

	a := mock.New("a")
	a.TrackingPrefix = "X"
	a.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		<-ctx.Done()
		return nil, shipper.NetworkError("a", ctx.Err())
	}
	b := mock.New("b")
	b.OnTrackShipment = slowTracking("b", 150*time.Millisecond)
	o := newOrchestrator(cfg, a, b)

	start := time.Now()
	result, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "X123"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, shipper.ErrTimeout))
	assert.False(t, errors.Is(err, shipper.ErrTransient))
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, 0, b.Calls(mock.OpTrackShipment))
}

func TestTrackShipment_FallbackCutOffAtDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxAttempts = 1

	a := mock.New("a")
	a.TrackingPrefix = "X"
	a.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		time.Sleep(120 * time.Millisecond)
		return nil, notFound("a")
	}
	b := mock.New("b")
	b.OnTrackShipment = slowTracking("b", 150*time.Millisecond)
	o := newOrchestrator(cfg, a, b)

	start := time.Now()
	_, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "X123"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrTimeout))
	assert.False(t, errors.Is(err, shipper.ErrTransient))
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, 1, b.Calls(mock.OpTrackShipment))
}

func TestTrackShipment_FallbackWithinDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 500 * time.Millisecond
	cfg.MaxAttempts = 1

	a := mock.New("a")
	a.TrackingPrefix = "X"
	a.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		return nil, notFound("a")
	}
	b := mock.New("b")
	b.OnTrackShipment = slowTracking("b", 50*time.Millisecond)
	o := newOrchestrator(cfg, a, b)

	result, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "X123"})
	require.NoError(t, err)
	assert.Equal(t, "b", result.Carrier)
	assert.Equal(t, shipper.StatusInTransit, result.Status)
}

func TestTrackShipment_NotFoundEverywhere(t *testing.T) {
	a := mock.New("a")
	a.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		return nil, notFound("a")
	}
	b := mock.New("b")
	b.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		return nil, notFound("b")
	}
	o := newOrchestrator(testConfig(), a, b)

	_, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "XYZ123"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrCarrierRejected))
	assert.True(t, shipper.IsNotFound(err))
}

func TestTrackShipment_ReportsFirstRealFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1

	a := mock.New("a")
	a.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		return nil, notFound("a")
	}
	b := mock.New("b")
	b.OnTrackShipment = func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
		return nil, transientErr("b")
	}
	o := newOrchestrator(cfg, a, b)

	_, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{TrackingNumber: "XYZ123"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shipper.ErrTransient))
}

func TestTrackShipment_RequiresNumber(t *testing.T) {
	a := mock.New("a")
	o := newOrchestrator(testConfig(), a)

	_, err := o.TrackShipment(context.Background(), &shipper.TrackingRequest{})
	assert.True(t, errors.Is(err, shipper.ErrValidation))
	assert.Equal(t, 0, a.Calls(mock.OpTrackShipment))
}

// ============================================================================
// ValidateAddress and TestAuthentication
// ============================================================================

func TestValidateAddress_FansOut(t *testing.T) {
	a := mock.New("a")
	b := mock.New("b")
	b.OnValidateAddress = func(ctx context.Context, addr shipper.Address) (*shipper.AddressValidation, error) {
		corrected := addr
		corrected.PostalCode = "1012 LG"
		return &shipper.AddressValidation{Carrier: "b", Valid: false, SuggestedCorrection: &corrected}, nil
	}
	o := newOrchestrator(testConfig(), a, b)

	results, err := o.ValidateAddress(context.Background(), "", testRequest("").Recipient)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Carrier)
	assert.True(t, results[0].Valid)
	assert.Equal(t, "b", results[1].Carrier)
	require.NotNil(t, results[1].SuggestedCorrection)
	assert.Equal(t, "1012 LG", results[1].SuggestedCorrection.PostalCode)
}

func TestValidateAddress_InvalidAddressMakesNoCall(t *testing.T) {
	a := mock.New("a")
	o := newOrchestrator(testConfig(), a)

	addr := testRequest("").Recipient
	addr.City = ""

	_, err := o.ValidateAddress(context.Background(), "a", addr)
	assert.True(t, errors.Is(err, shipper.ErrValidation))
	assert.Equal(t, 0, a.Calls(mock.OpValidateAddress))
}

func TestTestAuthentication(t *testing.T) {
	a := mock.New("a")
	b := mock.New("b")
	b.OnTestAuthentication = func(ctx context.Context) error {
		return shipper.ClassifyStatus("b", http.StatusForbidden, "", "bad credentials")
	}
	o := newOrchestrator(testConfig(), a, b)

	results := o.TestAuthentication(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["a"])
	assert.True(t, errors.Is(results["b"], shipper.ErrAuth))

	results = o.TestAuthentication(context.Background(), "a", "fedex")
	assert.NoError(t, results["a"])
	assert.True(t, errors.Is(results["fedex"], shipper.ErrUnknownCarrier))
}
