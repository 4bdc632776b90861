package dhl_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/tournevent/carrierlink/pkg/shipper/credentials"
	"github.com/tournevent/carrierlink/pkg/shipper/dhl"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

func newHTTPClient(url string) *dhl.HTTPAPIClient {
	return dhl.NewHTTPAPIClient(dhl.HTTPAPIClientConfig{
		BaseURL:      url,
		Username:     "user",
		Password:     "pass",
		ClientID:     "client",
		ClientSecret: "secret",
	})
}

func TestHTTPAPIClient_Authenticate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "user", r.PostForm.Get("username"))
		assert.Equal(t, "pass", r.PostForm.Get("password"))
		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"Bearer","expires_in":1799}`))
	}))
	defer server.Close()

	resp, err := newHTTPClient(server.URL).Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.AccessToken)
	assert.Equal(t, 1799, resp.ExpiresIn)
}

func TestHTTPAPIClient_CreateOrder_Headers(t *testing.T) {
	body := `{"status":{"title":"OK","statusCode":200},"items":[{"shipmentNo":"00340434161094042557","sstatus":{"title":"OK","statusCode":200}}]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "idem-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		assert.NoError(t, err)

		var req dhl.OrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "STANDARD_GRUPPENPROFIL", req.Profile)

		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	}))
	defer server.Close()

	resp, err := newHTTPClient(server.URL).CreateOrder(context.Background(), "tok", "idem-1", &dhl.OrderRequest{Profile: "STANDARD_GRUPPENPROFIL"})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "00340434161094042557", resp.Items[0].ShipmentNo)
	assert.JSONEq(t, body, string(resp.Raw))
}

func TestHTTPAPIClient_ProblemJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{
			"title": "Bad Request",
			"status": 400,
			"detail": "The request is invalid",
			"items": [{"validationMessages": [{"property": "shipper.postalCode", "validationMessage": "missing", "validationState": "Error"}]}]
		}`)
	}))
	defer server.Close()

	_, err := newHTTPClient(server.URL).GetRates(context.Background(), "tok", &dhl.RatesRequest{})
	require.Error(t, err)

	var apiErr *dhl.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "BAD_REQUEST", apiErr.Code())
	assert.Equal(t, "The request is invalid; shipper.postalCode: missing", apiErr.Message())
}

func TestHTTPAPIClient_NonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>upstream down</html>")
	}))
	defer server.Close()

	_, err := newHTTPClient(server.URL).GetTracking(context.Background(), "tok", "00340434161094042557")

	var apiErr *dhl.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Title)
}

func TestHTTPAPIClient_GetTracking_Query(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/tracking", r.URL.Path)
		assert.Equal(t, "JJD 0003", r.URL.Query().Get("trackingNumber"))
		_, _ = io.WriteString(w, `{"shipments":[{"id":"JJD 0003","events":[]}]}`)
	}))
	defer server.Close()

	resp, err := newHTTPClient(server.URL).GetTracking(context.Background(), "tok", "JJD 0003")
	require.NoError(t, err)
	require.Len(t, resp.Shipments, 1)
}

// TestClient_EndToEnd drives the adapter against a fake DHL API: one token
// fetch serves several calls, and a rejected token is replaced.
func TestClient_EndToEnd(t *testing.T) {
	var tokenCalls, rateCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			n := tokenCalls.Add(1)
			token := "first"
			if n > 1 {
				token = "second"
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": token, "expires_in": 1800})
		case "/v2/rates":
			n := rateCalls.Add(1)
			if n == 3 && r.Header.Get("Authorization") == "Bearer first" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"title":"Unauthorized","status":401}`)
				return
			}
			_, _ = io.WriteString(w, `{"products":[{"productCode":"V01PAK","productName":"DHL Paket","totalPrice":{"currency":"EUR","value":5.49},"deliveryCapabilities":{"totalTransitDays":1}}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	logger := otelzap.New(zap.NewNop())
	tokens := credentials.NewManager(logger)
	client := dhl.New(dhl.Config{
		BaseURL:      server.URL,
		Username:     "user",
		Password:     "pass",
		ClientID:     "client",
		ClientSecret: "secret",
	}, tokens, logger, nil)

	req := testRequest()
	req.Recipient = req.Shipper
	req.Customs = nil

	for i := 0; i < 2; i++ {
		quotes, err := client.GetRates(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, quotes, 1)
		assert.Equal(t, shipper.ServiceStandard, quotes[0].ServiceLevel)
		assert.Equal(t, 1, quotes[0].EstimatedDays)
	}
	assert.Equal(t, int32(1), tokenCalls.Load())

	_, err := client.GetRates(context.Background(), req)
	require.Error(t, err)
	assert.True(t, shipper.IsTokenRejected(err))

	quotes, err := client.GetRates(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.Equal(t, int32(2), tokenCalls.Load())
	assert.Equal(t, int32(4), rateCalls.Load())
}
