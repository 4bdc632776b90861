package gls

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// APIClient defines the interface for GLS API operations.
// GLS keeps no session: every call carries the bearer token it is given.
type APIClient interface {
	// Authenticate performs the client credentials grant
	Authenticate(ctx context.Context) (*TokenResponse, error)

	// ValidateAddress checks a single address
	ValidateAddress(ctx context.Context, token string, req *AddressValidationRequest) (*AddressValidationResponse, error)

	// GetQuotes returns the products and prices for a shipment
	GetQuotes(ctx context.Context, token string, req *QuoteRequest) (*QuoteResponse, error)

	// CreateShipment creates a shipment and its parcel labels
	CreateShipment(ctx context.Context, token string, req *ShipmentRequest) (*ShipmentResponse, error)

	// GetParcel retrieves the event history of a parcel
	GetParcel(ctx context.Context, token, trackID string) (*ParcelResponse, error)
}

// ============================================================================
// API Request/Response Types
// ============================================================================

// TokenResponse is returned by POST /oauth2/v2/accesstoken.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Address is the GLS address shape.
type Address struct {
	Name1       string `json:"name1"`
	Name2       string `json:"name2,omitempty"`
	Street1     string `json:"street1"`
	Street2     string `json:"street2,omitempty"`
	City        string `json:"city"`
	Province    string `json:"province,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	CountryCode string `json:"countryCode"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Parcel is one parcel. Weights are integer grams.
type Parcel struct {
	WeightGrams int64   `json:"weight"`
	LengthCM    float64 `json:"length,omitempty"`
	WidthCM     float64 `json:"width,omitempty"`
	HeightCM    float64 `json:"height,omitempty"`
	Reference   string  `json:"reference,omitempty"`
}

// CustomsContent is one customs line.
type CustomsContent struct {
	HSCode      string `json:"hsCode"`
	Description string `json:"description"`
	GrossWeight int64  `json:"grossWeight"`
	NetWeight   int64  `json:"netWeight"`
}

// AddressValidationRequest is sent to the address validation endpoint.
type AddressValidationRequest struct {
	Address Address `json:"address"`
}

// Address validation outcomes.
const (
	ValidationValid     = "VALID"
	ValidationCorrected = "CORRECTED"
	ValidationInvalid   = "INVALID"
)

// Issue is a field level remark.
type Issue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// AddressValidationResponse is returned by the address validation endpoint.
type AddressValidationResponse struct {
	Status      string    `json:"status"`
	Suggestions []Address `json:"suggestions,omitempty"`
	Issues      []Issue   `json:"issues,omitempty"`
}

// QuoteRequest is sent to POST /rates/v1/quotes.
type QuoteRequest struct {
	Shipper   Address  `json:"shipper"`
	Consignee Address  `json:"consignee"`
	Parcels   []Parcel `json:"parcels"`
}

// Price is an amount with currency.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Quote is one product offer.
type Quote struct {
	Product     string `json:"product"`
	ProductName string `json:"productName"`
	Price       Price  `json:"price"`
	TransitDays int    `json:"transitDays"`
}

// QuoteResponse is returned by POST /rates/v1/quotes.
type QuoteResponse struct {
	Quotes []Quote `json:"quotes"`
}

// ShipmentRequest is sent to POST /shipments/v1/shipments.
type ShipmentRequest struct {
	ShipperID      string           `json:"shipperId,omitempty"`
	Product        string           `json:"product"`
	Reference      string           `json:"reference,omitempty"`
	Shipper        Address          `json:"shipper"`
	Consignee      Address          `json:"consignee"`
	Parcels        []Parcel         `json:"parcels"`
	CustomsContent []CustomsContent `json:"customsContent,omitempty"`
}

// CreatedParcel identifies a created parcel.
type CreatedParcel struct {
	TrackID      string `json:"trackId"`
	ParcelNumber string `json:"parcelNumber"`
}

// Label is a printable document.
type Label struct {
	DocumentID string `json:"documentId"`
	Format     string `json:"format"`
}

// ShipmentResponse is returned by POST /shipments/v1/shipments. Raw holds
// the undecoded body.
type ShipmentResponse struct {
	ShipmentID string          `json:"shipmentId"`
	Parcels    []CreatedParcel `json:"parcels"`
	Labels     []Label         `json:"labels,omitempty"`
	Price      *Price          `json:"price,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// EventLocation is where a parcel was scanned.
type EventLocation struct {
	City        string `json:"city"`
	CountryCode string `json:"countryCode"`
}

// ParcelEvent is one scan.
type ParcelEvent struct {
	Timestamp   string        `json:"timestamp"`
	Code        string        `json:"code"`
	Description string        `json:"description"`
	Location    EventLocation `json:"location"`
}

// ParcelResponse is returned by GET /tracking/v1/parcels/{trackId}.
type ParcelResponse struct {
	TrackID string        `json:"trackId"`
	Events  []ParcelEvent `json:"events"`
}

// FieldError is one entry of a GLS error body.
type FieldError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Field        string `json:"field,omitempty"`
}

// APIError represents an error from the GLS API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Errors     []FieldError
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail())
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Detail())
}

// Detail joins the message with the field errors.
func (e *APIError) Detail() string {
	parts := make([]string, 0, len(e.Errors)+1)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	for _, fe := range e.Errors {
		if fe.Field != "" {
			parts = append(parts, fe.Field+": "+fe.ErrorMessage)
		} else {
			parts = append(parts, fe.ErrorMessage)
		}
	}
	return strings.Join(parts, "; ")
}
