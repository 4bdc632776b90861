// Package mock provides a mock shipper implementation for testing.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/carrierlink/pkg/shipper"
)

// Operation names used by Calls.
const (
	OpValidateAddress    = "validate_address"
	OpGetRates           = "get_rates"
	OpCreateShipment     = "create_shipment"
	OpTrackShipment      = "track_shipment"
	OpTestAuthentication = "test_authentication"
)

// Client is a mock shipper for testing. Hooks replace the default behavior of
// an operation; they must be set before the client is used concurrently.
type Client struct {
	name string

	// TrackingPrefix, when set, makes MatchesTrackingNumber recognize numbers
	// starting with it.
	TrackingPrefix string
	// Idempotent is returned by SupportsIdempotencyKeys.
	Idempotent bool

	OnValidateAddress    func(ctx context.Context, addr shipper.Address) (*shipper.AddressValidation, error)
	OnGetRates           func(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error)
	OnCreateShipment     func(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.ShipmentResult, error)
	OnTrackShipment      func(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error)
	OnTestAuthentication func(ctx context.Context) error

	mu    sync.Mutex
	calls map[string]int
}

// New creates a new mock shipper.
func New(name string) *Client {
	return &Client{name: name, calls: make(map[string]int)}
}

// Name returns the carrier name.
func (c *Client) Name() string {
	return c.name
}

// Calls returns how many times an operation was invoked.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *Client) record(op string) {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
}

// SupportsIdempotencyKeys reports the configured Idempotent flag.
func (c *Client) SupportsIdempotencyKeys() bool {
	return c.Idempotent
}

// MatchesTrackingNumber implements shipper.TrackingNumberMatcher.
func (c *Client) MatchesTrackingNumber(trackingNumber string) bool {
	return c.TrackingPrefix != "" && strings.HasPrefix(trackingNumber, c.TrackingPrefix)
}

// ValidateAddress accepts every address unless a hook is set.
func (c *Client) ValidateAddress(ctx context.Context, addr shipper.Address) (*shipper.AddressValidation, error) {
	c.record(OpValidateAddress)
	if c.OnValidateAddress != nil {
		return c.OnValidateAddress(ctx, addr)
	}
	return &shipper.AddressValidation{Carrier: c.name, Valid: true}, nil
}

// GetRates returns mock shipping quotes.
func (c *Client) GetRates(ctx context.Context, req *shipper.ShipmentRequest) ([]shipper.RateQuote, error) {
	c.record(OpGetRates)
	if c.OnGetRates != nil {
		return c.OnGetRates(ctx, req)
	}
	return []shipper.RateQuote{
		{
			Carrier:       c.name,
			ServiceLevel:  shipper.ServiceStandard,
			ServiceName:   fmt.Sprintf("%s Standard", c.name),
			Cost:          shipper.Money{Amount: 15.82, Currency: "EUR"},
			EstimatedDays: 5,
		},
		{
			Carrier:       c.name,
			ServiceLevel:  shipper.ServiceExpress,
			ServiceName:   fmt.Sprintf("%s Express", c.name),
			Cost:          shipper.Money{Amount: 29.95, Currency: "EUR"},
			EstimatedDays: 2,
		},
	}, nil
}

// CreateShipment creates a mock shipment.
func (c *Client) CreateShipment(ctx context.Context, req *shipper.ShipmentRequest) (*shipper.ShipmentResult, error) {
	c.record(OpCreateShipment)
	if c.OnCreateShipment != nil {
		return c.OnCreateShipment(ctx, req)
	}
	trackingNumber := c.TrackingPrefix + strings.ToUpper(uuid.New().String()[:12])
	return &shipper.ShipmentResult{
		Carrier:        c.name,
		TrackingNumber: trackingNumber,
		LabelReference: fmt.Sprintf("https://labels.%s.mock/%s.pdf", c.name, trackingNumber),
		EstimatedCost:  shipper.Money{Amount: 15.82, Currency: "EUR"},
		RawResponse:    []byte(`{"mock":true}`),
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// TrackShipment returns two mock events.
func (c *Client) TrackShipment(ctx context.Context, req *shipper.TrackingRequest) ([]shipper.TrackingEvent, error) {
	c.record(OpTrackShipment)
	if c.OnTrackShipment != nil {
		return c.OnTrackShipment(ctx, req)
	}
	now := time.Now().UTC()
	return []shipper.TrackingEvent{
		{Timestamp: now.Add(-48 * time.Hour), Status: shipper.StatusCreated, RawStatus: "created"},
		{Timestamp: now.Add(-24 * time.Hour), Status: shipper.StatusInTransit, RawStatus: "in_transit", Location: "Hub"},
	}, nil
}

// TestAuthentication succeeds unless a hook is set.
func (c *Client) TestAuthentication(ctx context.Context) error {
	c.record(OpTestAuthentication)
	if c.OnTestAuthentication != nil {
		return c.OnTestAuthentication(ctx)
	}
	return nil
}

var _ shipper.Shipper = (*Client)(nil)
var _ shipper.TrackingNumberMatcher = (*Client)(nil)
