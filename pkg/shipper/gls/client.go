// Package gls provides integration with the GLS shipping API.
//
// GLS does not deduplicate shipment creation. Repeated creates for the same
// logical shipment must be deduplicated by the caller, which the
// orchestrator does for every carrier reporting SupportsIdempotencyKeys false.
package gls

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

const carrierName = "gls"

// Base URLs per environment.
const (
	ProductionURL = "https://api.gls-group.net"
	SandboxURL    = "https://api-sandbox.gls-group.net"
)

// Parcel numbers have 11 digits; track IDs are 8 alphanumerics.
var trackingNumberPattern = regexp.MustCompile(`^(\d{11}|[A-Z0-9]{8})$`)

// Config holds GLS configuration.
type Config struct {
	BaseURL      string
	Environment  string // "production" or "sandbox"
	ClientID     string
	ClientSecret string
	ShipperID    string // GLS contact ID billed for shipments
	Timeout      time.Duration
	UseMock      bool // When true, uses mock API client
}

// Client is the GLS shipper client.
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

// New creates a new GLS client and registers its authenticator with tokens.
// If cfg.UseMock is true, it uses a mock API client.
func New(cfg Config, tokens *credentials.Manager, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	var apiClient APIClient

	if cfg.UseMock {
		apiClient = NewMockAPIClient()
	} else {
		apiClient = NewHTTPAPIClient(HTTPAPIClientConfig{
			BaseURL:      BaseURL(cfg),
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Timeout:      cfg.Timeout,
		})
	}

	c := NewWithAPIClient(cfg, apiClient, tokens, logger, tracer)
	c.requireCredentials = !cfg.UseMock
	return c
}

// NewWithAPIClient creates a new GLS client with a custom API client.
// This is useful for injecting mock clients in tests.
func NewWithAPIClient(cfg Config, apiClient APIClient, tokens *credentials.Manager, logger *otelzap.Logger, tracer trace.Tracer) *Client {
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

// SupportsIdempotencyKeys returns false: GLS has no server-side deduplication.
func (c *Client) SupportsIdempotencyKeys() bool {
	return false
}

// MatchesTrackingNumber reports whether the number has a GLS format.
func (c *Client) MatchesTrackingNumber(trackingNumber string) bool {
	return trackingNumberPattern.MatchString(strings.ToUpper(strings.TrimSpace(trackingNumber)))
}

// ValidateAddress checks an address with GLS.
func (c *Client) ValidateAddress(ctx context.Context, addr shipper.Address) (result *shipper.AddressValidation, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "ValidateAddress")
	defer func() { shipper.EndSpan(span, err) }()

	if err := addr.Validate(); err != nil {
		return nil, err
	}

	c.logger.Ctx(ctx).Info("Validating GLS address",
		zap.String("city", addr.City),
		zap.String("country", addr.CountryCode),
	)

	var apiResp *AddressValidationResponse
	err = c.call(ctx, func(token string) error {
		var callErr error
		apiResp, callErr = c.apiClient.ValidateAddress(ctx, token, &AddressValidationRequest{Address: addressToAPI(addr)})
		return callErr
	})
	if err != nil {
		c.logger.Ctx(ctx).Error("GLS API error", zap.Error(err))
		return nil, err
	}

	return validationToShipper(apiResp), nil
}

// GetRates returns GLS quotes for a shipment.
func (c *Client) GetRates(ctx context.Context, req *shipper.ShipmentRequest) (quotes []shipper.RateQuote, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "GetRates")
	defer func() { shipper.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	c.logger.Ctx(ctx).Info("Getting GLS quotes",
		zap.String("origin_country", req.Shipper.CountryCode),
		zap.String("destination_country", req.Recipient.CountryCode),
		zap.Int("package_count", len(req.Packages)),
	)

	var apiResp *QuoteResponse
	err = c.call(ctx, func(token string) error {
		var callErr error
		apiResp, callErr = c.apiClient.GetQuotes(ctx, token, quoteRequest(req))
		return callErr
	})
	if err != nil {
		c.logger.Ctx(ctx).Error("GLS API error", zap.Error(err))
		return nil, err
	}

	return quotesToShipper(apiResp), nil
}

// CreateShipment creates a shipment with GLS. The idempotency key is not
// sent: GLS would ignore it.
func (c *Client) CreateShipment(ctx context.Context, req *shipper.ShipmentRequest) (result *shipper.ShipmentResult, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "CreateShipment")
	defer func() { shipper.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	product, ok := products[req.ServiceLevel]
	if !ok {
		return nil, shipper.NewShipperError(carrierName, shipper.ErrCarrierRejected, "UNSUPPORTED_SERVICE",
			"service level "+string(req.ServiceLevel)+" is not offered")
	}

	c.logger.Ctx(ctx).Info("Creating GLS shipment",
		zap.String("product", product),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("destination_country", req.Recipient.CountryCode),
	)

	var apiResp *ShipmentResponse
	err = c.call(ctx, func(token string) error {
		var callErr error
		apiResp, callErr = c.apiClient.CreateShipment(ctx, token, shipmentRequest(c.config.ShipperID, product, req))
		return callErr
	})
	if err != nil {
		c.logger.Ctx(ctx).Error("GLS API error", zap.Error(err))
		return nil, err
	}

	result, ok = shipmentToShipper(apiResp, time.Now().UTC())
	if !ok {
		err = shipper.NewShipperError(carrierName, shipper.ErrCarrierRejected, "NO_PARCEL", "shipment created without parcels")
		c.logger.Ctx(ctx).Error("GLS shipment rejected", zap.Error(err))
		return nil, err
	}

	c.logger.Ctx(ctx).Info("Created GLS shipment", zap.String("tracking_number", result.TrackingNumber))
	return result, nil
}

// TrackShipment returns the events of a parcel, oldest first.
func (c *Client) TrackShipment(ctx context.Context, req *shipper.TrackingRequest) (events []shipper.TrackingEvent, err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "TrackShipment")
	defer func() { shipper.EndSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	trackID := strings.ToUpper(strings.TrimSpace(req.TrackingNumber))

	c.logger.Ctx(ctx).Info("Tracking GLS parcel", zap.String("tracking_number", trackID))

	var apiResp *ParcelResponse
	err = c.call(ctx, func(token string) error {
		var callErr error
		apiResp, callErr = c.apiClient.GetParcel(ctx, token, trackID)
		return callErr
	})
	if err != nil {
		if !shipper.IsNotFound(err) {
			c.logger.Ctx(ctx).Error("GLS API error", zap.Error(err))
		}
		return nil, err
	}

	events, err = parcelToShipper(apiResp)
	if err != nil {
		c.logger.Ctx(ctx).Error("Unreadable GLS tracking events", zap.String("tracking_number", trackID), zap.Error(err))
		return nil, shipper.NewShipperError(carrierName, shipper.ErrTransient, shipper.CodeDecode,
			"unreadable tracking events").WithCause(err)
	}
	return events, nil
}

// TestAuthentication confirms that a token can be obtained with the
// configured credentials. GLS has no side-effect free endpoint to ping.
func (c *Client) TestAuthentication(ctx context.Context) (err error) {
	ctx, span := shipper.StartSpan(ctx, c.tracer, carrierName, "TestAuthentication")
	defer func() { shipper.EndSpan(span, err) }()

	return c.call(ctx, func(token string) error { return nil })
}

// authenticate is the credentials.Authenticator for GLS.
func (c *Client) authenticate(ctx context.Context) (*credentials.Grant, error) {
	if c.requireCredentials && (c.config.ClientID == "" || c.config.ClientSecret == "") {
		return nil, shipper.NewShipperError(carrierName, shipper.ErrAuth, shipper.CodeMissingCredentials,
			"client id and client secret are required")
	}

	resp, err := c.apiClient.Authenticate(ctx)
	if err != nil {
		return nil, c.translate(err)
	}
	return &credentials.Grant{
		AccessToken: resp.AccessToken,
		TTL:         time.Duration(resp.ExpiresIn) * time.Second,
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
		return shipper.ClassifyStatus(carrierName, apiErr.StatusCode, apiErr.Code, apiErr.Detail())
	case errors.As(err, &shipperErr):
		return shipperErr
	case errors.Is(err, errMalformedResponse):
		return shipper.NewShipperError(carrierName, shipper.ErrTransient, shipper.CodeDecode, "unreadable response").WithCause(err)
	default:
		return shipper.NetworkError(carrierName, err)
	}
}

// Ensure Client implements the shipper interfaces
var (
	_ shipper.Shipper               = (*Client)(nil)
	_ shipper.TrackingNumberMatcher = (*Client)(nil)
)
