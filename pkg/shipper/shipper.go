// Package shipper provides an abstraction layer for shipping carriers.
package shipper

import (
	"context"
)

// Shipper defines the interface that all shipping carriers must implement.
// Implementations translate every failure into the taxonomy in errors.go
// before returning it.
type Shipper interface {
	// Name returns the carrier identifier (e.g., "dhl", "gls").
	Name() string

	// ValidateAddress asks the carrier whether an address is deliverable.
	ValidateAddress(ctx context.Context, addr Address) (*AddressValidation, error)

	// GetRates returns rate quotes for a shipment. An empty slice means the
	// carrier offers no service for the lane and is not an error.
	GetRates(ctx context.Context, req *ShipmentRequest) ([]RateQuote, error)

	// CreateShipment creates a shipment and its label with the carrier.
	CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResult, error)

	// TrackShipment returns tracking events ordered oldest first.
	TrackShipment(ctx context.Context, req *TrackingRequest) ([]TrackingEvent, error)

	// TestAuthentication confirms the configured credentials are accepted.
	TestAuthentication(ctx context.Context) error

	// SupportsIdempotencyKeys reports whether the carrier deduplicates
	// shipment creation on its side when given the request's idempotency key.
	SupportsIdempotencyKeys() bool
}

// TrackingNumberMatcher is implemented by shippers that can recognize their
// own tracking number format. It lets callers route tracking lookups that
// do not name a carrier.
type TrackingNumberMatcher interface {
	MatchesTrackingNumber(trackingNumber string) bool
}
