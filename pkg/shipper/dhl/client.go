// Package dhl provides integration with the DHL parcel shipping API.
//
// DHL authenticates with a password grant and accepts an Idempotency-Key
// header on order creation, so repeated creates with the same key are
// deduplicated server side as well.
package dhl

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tournevent/carrierlink/pkg/shipper"
	"github.com/tournevent/carrierlink/pkg/shipper/credentials"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const carrierName = "dhl"

// Base URLs per environment.
const (
	ProductionURL = "https://api-eu.dhl.com/parcel/de/shipping"
	SandboxURL    = "https://api-sandbox.dhl.com/parcel/de/shipping"
)

const defaultProfile = "STANDARD_GRUPPENPROFIL"

// Shipment numbers are 12 or 20 digits, or JJD followed by digits.
var trackingNumberPattern = regexp.MustCompile(`^(\d{12}|\d{20}|JJD\d{9,22})$`)

// Config holds DHL configuration.
type Config struct {
	BaseURL      string
	Environment  string // "production" or "sandbox"
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	Profile      string
	Timeout      time.Duration
	UseMock      bool // When true, uses mock API client
}

// Client is the DHL shipper client.
// It implements the shipper.Shipper interface and delegates
// API calls to the underlying APIClient (mock or HTTP).
type Client struct {
	config             Config
	apiClient          APIClient
	tokens             *credentials.Manager
	logger             *otelzap.Logger
	tracer             trace.Tracer
	requireCredentials bool
}

// New creates a new DHL client and registers its authenticator with tokens.
// If cfg.UseMock is true, it uses a mock API client.
func New(cfg Config, tokens *credentials.Manager, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL:      BaseURL(cfg),
			Username:     cfg.Username,
			Password:     cfg.Password,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Timeout:      cfg.Timeout,
		})
	}

	c := NewWithAPIClient(cfg, apiClient, tokens, logger, tracer)
	c.requireCredentials = !cfg.UseMock
	return c
}

// NewWithAPIClient creates a new DHL client with a custom API client.
// This is useful for injecting mock clients in tests.
func NewWithAPIClient(cfg Config, apiClient APIClient, tokens *credentials.Manager, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if cfg.Profile == "" {
		cfg.Profile = defaultProfile
	}
	c := &Client{
		config:    cfg,
		apiClient: apiClient,
		tokens:    tokens,
		logger:    logger,
		tracer:    shipper.Tracer(tracer),
	}
	tokens.Register(carrierName, credentials.AuthenticatorFunc(c.authenticate))
	return c
}

// BaseURL returns the configured base URL or the default for the environment.
func BaseURL(cfg Config) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	if strings.EqualFold(cfg.Environment, "production") {
		return ProductionURL
	}
	return SandboxURL
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return carrierName
}

// SupportsIdempotencyKeys reports that DHL deduplicates on Idempotency-Key.
func (c *Client) SupportsIdempotencyKeys() bool {
	return true
}

// MatchesTrackingNumber reports whether the number has a DHL format.
func (c *Client) MatchesTrackingNumber(trackingNumber string) bool {
	return trackingNumberPattern.MatchString(strings.TrimSpace(trackingNumber))
}

// ValidateAddress checks an address with DHL.
func (c *Client) ValidateAddress(ctx context.Context, addr shipper.Address) (result *shipper.AddressValidation, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "ValidateAddress")
	defer func() { shipper.EndSpan(span, err) }()

	if err := addr.Validate(); err != nil {
		return nil, err
	}

	c.logger.Ctx(ctx).Info("Validating DHL address",
		zap.String("city", addr.City),
		zap.String("country", addr.CountryCode),
	)

	var apiResp *AddressValidationResponse
	err = c.call(ctx, func(token string) error {
		var callErr error
		apiResp, callErr = c.apiClient.ValidateAddress(ctx, token, &AddressValidationRequest{Address: addressToContact(addr)})
		return callErr
	})
	if err != nil {
		c.logger.Ctx(ctx).Error("DHL API error", zap.Error(err))
		return nil, err
	}

	return validationToShipper(apiResp), nil
}

// GetRates returns the DHL products available for a shipment.
func (c *Client) GetRates(ctx context.Context, req *shipper.ShipmentRequest) (quotes []shipper.RateQuote, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "GetRates")
	defer func() { shipper.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	c.logger.Ctx(ctx).Info("Getting DHL rates",
		zap.String("origin_country", req.Shipper.CountryCode),
		zap.String("destination_country", req.Recipient.CountryCode),
		zap.Int("package_count", len(req.Packages)),
	)

	var apiResp *RatesResponse
	err = c.call(ctx, func(token string) error {
		var callErr error
		apiResp, callErr = c.apiClient.GetRates(ctx, token, ratesRequest(req))
		return callErr
	})
	if err != nil {
		c.logger.Ctx(ctx).Error("DHL API error", zap.Error(err))
		return nil, err
	}

	return ratesToShipper(apiResp), nil
}

// CreateShipment creates a shipment and label with DHL. The idempotency key
// is forwarded as the Idempotency-Key header.
func (c *Client) CreateShipment(ctx context.Context, req *shipper.ShipmentRequest) (result *shipper.ShipmentResult, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "CreateShipment")
	defer func() { shipper.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	product := productCode(req.ServiceLevel, isInternational(req))
	if product == "" {
		return nil, shipper.NewShipperError(carrierName, shipper.ErrCarrierRejected, "UNSUPPORTED_SERVICE",
			"service level "+string(req.ServiceLevel)+" is not offered")
	}

	c.logger.Ctx(ctx).Info("Creating DHL shipment",
		zap.String("product", product),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("destination_country", req.Recipient.CountryCode),
	)

	var apiResp *OrderResponse
	err = c.call(ctx, func(token string) error {
		var callErr error
		apiResp, callErr = c.apiClient.CreateOrder(ctx, token, req.IdempotencyKey, orderRequest(c.config.Profile, product, req))
		return callErr
	})
	if err != nil {
		c.logger.Ctx(ctx).Error("DHL API error", zap.Error(err))
		return nil, err
	}

	result, ok := orderToShipper(apiResp, time.Now().UTC())
	if !ok {
		err = orderRejection(apiResp)
		c.logger.Ctx(ctx).Error("DHL order rejected", zap.Error(err))
		return nil, err
	}

	c.logger.Ctx(ctx).Info("Created DHL shipment", zap.String("tracking_number", result.TrackingNumber))
	return result, nil
}

// TrackShipment returns the events of a shipment, oldest first.
func (c *Client) TrackShipment(ctx context.Context, req *shipper.TrackingRequest) (events []shipper.TrackingEvent, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "TrackShipment")
	defer func() { shipper.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	trackingNumber := strings.TrimSpace(req.TrackingNumber)

	c.logger.Ctx(ctx).Info("Tracking DHL shipment", zap.String("tracking_number", trackingNumber))

	var apiResp *TrackingResponse
	err = c.call(ctx, func(token string) error {
		var callErr error
		apiResp, callErr = c.apiClient.GetTracking(ctx, token, trackingNumber)
		return callErr
	})
	if err != nil {
		if !shipper.IsNotFound(err) {
			c.logger.Ctx(ctx).Error("DHL API error", zap.Error(err))
		}
		return nil, err
	}

	for _, s := range apiResp.Shipments {
		if s.ID == "" || s.ID == trackingNumber {
			events, err := trackingToShipper(s)
			if err != nil {
				c.logger.Ctx(ctx).Error("Unreadable DHL tracking events", zap.String("tracking_number", trackingNumber), zap.Error(err))
				return nil, shipper.NewShipperError(carrierName, shipper.ErrTransient, shipper.CodeDecode,
					"unreadable tracking events").WithCause(err)
			}
			return events, nil
		}
	}
	return nil, shipper.NewShipperError(carrierName, shipper.ErrCarrierRejected, shipper.CodeNotFound,
		"no shipment with this tracking number").WithStatusCode(http.StatusNotFound)
}

// TestAuthentication fetches a token if needed and performs an authenticated ping.
func (c *Client) TestAuthentication(ctx context.Context) (err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "TestAuthentication")
	defer func() { shipper.EndSpan(span, err) }()

	return c.call(ctx, func(token string) error {
		return c.apiClient.Ping(ctx, token)
	})
}

// authenticate is the credentials.Authenticator for DHL.
func (c *Client) authenticate(ctx context.Context) (*credentials.Grant, error) {
	if c.requireCredentials && (c.config.Username == "" || c.config.Password == "" ||
		c.config.ClientID == "" || c.config.ClientSecret == "") {
		return nil, shipper.NewShipperError(carrierName, shipper.ErrAuth, shipper.CodeMissingCredentials,
			"username, password, client id and client secret are required")
	}

	resp, err := c.apiClient.Authenticate(ctx)
	if err != nil {
		return nil, c.translate(err)
	}
	return &credentials.Grant{
		AccessToken: resp.AccessToken,
		TTL:         time.Duration(resp.ExpiresIn) * time.Second,
		RefreshHint: resp.RefreshToken,
	}, nil
}

// call obtains a token and runs fn with it. Errors are translated; a 401
// invalidates the token and is reported as TOKEN_REJECTED.
func (c *Client) call(ctx context.Context, fn func(token string) error) error {
	token, err := c.tokens.Token(ctx, carrierName)
	if err != nil {
		if ctx.Err() != nil {
			return shipper.NetworkError(carrierName, err)
		}
		return err
	}

	if err := fn(token); err != nil {
		translated := c.translate(err)
		if translated.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate(carrierName, token)
			translated.Code = shipper.CodeTokenRejected
		}
		return translated
	}
	return nil
}

// translate maps API and transport errors onto the shipper error kinds.
func (c *Client) translate(err error) *shipper.ShipperError {
	var apiErr *APIError
	var shipperErr *shipper.ShipperError
	switch {
	case errors.As(err, &apiErr):
		return shipper.ClassifyStatus(carrierName, apiErr.StatusCode, apiErr.Code(), apiErr.Message())
	case errors.As(err, &shipperErr):
		return shipperErr
	case errors.Is(err, errMalformedResponse):
		return shipper.NewShipperError(carrierName, shipper.ErrTransient, shipper.CodeDecode, "unreadable response").WithCause(err)
	default:
		return shipper.NetworkError(carrierName, err)
	}
}

// orderRejection builds the error for an order response without a shipment number.
func orderRejection(resp *OrderResponse) error {
	apiErr := &APIError{StatusCode: http.StatusUnprocessableEntity, Title: resp.Status.Title, Detail: resp.Status.Detail, Items: resp.Items}
	if len(resp.Items) > 0 && resp.Items[0].Sstatus.Detail != "" {
		apiErr.Detail = resp.Items[0].Sstatus.Detail
	}
	if apiErr.Title == "" || strings.EqualFold(apiErr.Title, "OK") {
		apiErr.Title = "Order Rejected"
	}
	return shipper.ClassifyStatus(carrierName, apiErr.StatusCode, apiErr.Code(), apiErr.Message())
}

// Ensure Client implements the shipper interfaces
var (
	_ shipper.Shipper               = (*Client)(nil)
	_ shipper.TrackingNumberMatcher = (*Client)(nil)
)
