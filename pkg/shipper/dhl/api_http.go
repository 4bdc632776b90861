package dhl

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

// errMalformedResponse marks a success response whose body could not be decoded.
var errMalformedResponse = errors.New("malformed dhl response")

// HTTPAPIClient is the production implementation of APIClient using HTTP.
type HTTPAPIClient struct {
	baseURL      string
	username     string
	password     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL      string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
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
		username:     cfg.Username,
		password:     cfg.Password,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Authenticate requests an access token with the password grant.
func (c *HTTPAPIClient) Authenticate(ctx context.Context) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/v1/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
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

// Ping calls the API root with the token.
func (c *HTTPAPIClient) Ping(ctx context.Context, token string) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v2/", token, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ValidateAddress validates an address.
func (c *HTTPAPIClient) ValidateAddress(ctx context.Context, token string, req *AddressValidationRequest) (*AddressValidationResponse, error) {
	var result AddressValidationResponse
	if _, err := c.postJSON(ctx, "/v2/addresses/validate", token, req, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRates fetches product quotes.
func (c *HTTPAPIClient) GetRates(ctx context.Context, token string, req *RatesRequest) (*RatesResponse, error) {
	var result RatesResponse
	if _, err := c.postJSON(ctx, "/v2/rates", token, req, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateOrder creates the shipments of an order.
func (c *HTTPAPIClient) CreateOrder(ctx context.Context, token, idempotencyKey string, req *OrderRequest) (*OrderResponse, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	var result OrderResponse
	raw, err := c.postJSON(ctx, "/v2/orders", token, req, headers, &result)
	if err != nil {
		return nil, err
	}
	result.Raw = raw
	return &result, nil
}

// GetTracking retrieves tracking events for a shipment number.
func (c *HTTPAPIClient) GetTracking(ctx context.Context, token, trackingNumber string) (*TrackingResponse, error) {
	path := "/v2/tracking?trackingNumber=" + url.QueryEscape(trackingNumber)
	resp, err := c.doRequest(ctx, http.MethodGet, path, token, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result TrackingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: tracking: %v", errMalformedResponse, err)
	}
	return &result, nil
}

// postJSON sends body and decodes a 200/201 response into out. The raw
// response body is returned as well.
func (c *HTTPAPIClient) postJSON(ctx context.Context, path, token string, body interface{}, headers map[string]string, out interface{}) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, path, token, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
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

// doRequest performs an HTTP request with proper headers and authentication.
func (c *HTTPAPIClient) doRequest(ctx context.Context, method, path, token string, body interface{}, headers map[string]string) (*http.Response, error) {
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

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("User-Agent", "carrierlink/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// parseError extracts a problem document from an HTTP response. Bodies that
// are not problem JSON still produce an APIError carrying the status.
func (c *HTTPAPIClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Title == "" && apiErr.Detail == "") {
		apiErr = &APIError{Detail: strings.TrimSpace(string(body))}
	}
	// The HTTP status wins over whatever the body claims.
	apiErr.StatusCode = resp.StatusCode
	if apiErr.Title == "" {
		apiErr.Title = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// Ensure HTTPAPIClient implements APIClient interface
var _ APIClient = (*HTTPAPIClient)(nil)
