package gls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Canonical endpoint paths. GLS has exposed address validation under more
// than one path over time; only this one is used, in every environment.
const (
	tokenPath             = "/oauth2/v2/accesstoken"
	addressValidationPath = "/address-validation/v1/validate"
	quotesPath            = "/rates/v1/quotes"
	shipmentsPath         = "/shipments/v1/shipments"
	parcelsPath           = "/tracking/v1/parcels/"
)

// errMalformedResponse marks a success response whose body could not be decoded.
var errMalformedResponse = errors.New("malformed gls response")

// HTTPAPIClient is the production implementation of APIClient using HTTP.
type HTTPAPIClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string // Password for Basic Auth on the token endpoint
	Timeout      time.Duration
}

// NewHTTPAPIClient creates a new HTTP-based API client for production use.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPAPIClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Authenticate performs the client credentials grant with HTTP Basic auth.
func (c *HTTPAPIClient) Authenticate(ctx context.Context) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: token: %v", errMalformedResponse, err)
	}
	return &result, nil
}

// ValidateAddress validates an address.
func (c *HTTPAPIClient) ValidateAddress(ctx context.Context, token string, req *AddressValidationRequest) (*AddressValidationResponse, error) {
	var result AddressValidationResponse
	if _, err := c.do(ctx, http.MethodPost, addressValidationPath, token, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetQuotes fetches product quotes.
func (c *HTTPAPIClient) GetQuotes(ctx context.Context, token string, req *QuoteRequest) (*QuoteResponse, error) {
	var result QuoteResponse
	if _, err := c.do(ctx, http.MethodPost, quotesPath, token, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateShipment creates a shipment.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, token string, req *ShipmentRequest) (*ShipmentResponse, error) {
	var result ShipmentResponse
	raw, err := c.do(ctx, http.MethodPost, shipmentsPath, token, req, &result)
	if err != nil {
		return nil, err
	}
	result.Raw = raw
	return &result, nil
}

// GetParcel retrieves tracking events for a parcel.
func (c *HTTPAPIClient) GetParcel(ctx context.Context, token, trackID string) (*ParcelResponse, error) {
	var result ParcelResponse
	if _, err := c.do(ctx, http.MethodGet, parcelsPath+url.PathEscape(trackID), token, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ============================================================================
// HTTP Helpers
// ============================================================================

// do sends the request and decodes a 2xx response into out, returning the raw body.
func (c *HTTPAPIClient) do(ctx context.Context, method, path, token string, body, out interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.parseError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errMalformedResponse, path, err)
	}
	return raw, nil
}

// parseError understands both GLS error shapes:
// {"errors":[{"errorCode","errorMessage","field"}]} and {"error","message"}.
func (c *HTTPAPIClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var listErr struct {
		Errors []FieldError `json:"errors"`
	}
	if err := json.Unmarshal(body, &listErr); err == nil && len(listErr.Errors) > 0 {
		apiErr.Code = listErr.Errors[0].ErrorCode
		apiErr.Errors = listErr.Errors
		return apiErr
	}

	var simpleErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &simpleErr); err == nil && (simpleErr.Error != "" || simpleErr.Message != "") {
		apiErr.Code = strings.ToUpper(simpleErr.Error)
		apiErr.Message = simpleErr.Message
		if apiErr.Message == "" {
			apiErr.Message = simpleErr.Error
		}
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

var _ APIClient = (*HTTPAPIClient)(nil)
