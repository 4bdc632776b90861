package dhl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// APIClient defines the DHL parcel API operations used by the adapter.
// Every call except Authenticate takes the bearer token to attach.
type APIClient interface {
	// Authenticate exchanges the configured credentials for an access token
	Authenticate(ctx context.Context) (*TokenResponse, error)

	// Ping performs an authenticated no-op request
	Ping(ctx context.Context, token string) error

	// ValidateAddress checks a single address
	ValidateAddress(ctx context.Context, token string, req *AddressValidationRequest) (*AddressValidationResponse, error)

	// GetRates lists the products available for a shipment
	GetRates(ctx context.Context, token string, req *RatesRequest) (*RatesResponse, error)

	// CreateOrder creates shipments and labels; idempotencyKey is forwarded as a header
	CreateOrder(ctx context.Context, token, idempotencyKey string, req *OrderRequest) (*OrderResponse, error)

	// GetTracking retrieves the event history of a shipment
	GetTracking(ctx context.Context, token, trackingNumber string) (*TrackingResponse, error)
}

// ============================================================================
// API Request/Response Types (DHL parcel API v2)
// ============================================================================

// TokenResponse is returned by POST /auth/v1/token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Contact is a shipper, consignee, or address to validate.
type Contact struct {
	Name1                         string `json:"name1"`
	Name2                         string `json:"name2,omitempty"`
	AddressStreet                 string `json:"addressStreet"`
	AddressHouse                  string `json:"addressHouse,omitempty"`
	AdditionalAddressInformation1 string `json:"additionalAddressInformation1,omitempty"`
	PostalCode                    string `json:"postalCode,omitempty"`
	City                          string `json:"city"`
	State                         string `json:"state,omitempty"`
	Country                       string `json:"country"`
	Email                         string `json:"email,omitempty"`
	Phone                         string `json:"phone,omitempty"`
}

// Weight is always expressed in kilograms.
type Weight struct {
	UOM   string  `json:"uom"`
	Value float64 `json:"value"`
}

// Dimensions are always expressed in centimeters.
type Dimensions struct {
	UOM    string  `json:"uom"`
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Money is an amount with an ISO 4217 currency.
type Money struct {
	Currency string  `json:"currency"`
	Value    float64 `json:"value"`
}

// Piece is one parcel of a shipment.
type Piece struct {
	Weight       Weight      `json:"weight"`
	Dim          *Dimensions `json:"dim,omitempty"`
	ValueOfGoods *Money      `json:"valueOfGoods,omitempty"`
}

// CustomsItem is one line of the customs declaration.
type CustomsItem struct {
	ItemDescription string `json:"itemDescription"`
	HSCode          string `json:"hsCode"`
	GrossWeight     Weight `json:"grossWeight"`
	NetWeight       Weight `json:"netWeight"`
}

// Customs is the customs declaration for cross-border shipments.
type Customs struct {
	ExportType string        `json:"exportType"`
	Items      []CustomsItem `json:"items"`
}

// Shipment is one shipment of an order.
type Shipment struct {
	Product   string   `json:"product"`
	RefNo     string   `json:"refNo,omitempty"`
	Shipper   Contact  `json:"shipper"`
	Consignee Contact  `json:"consignee"`
	Pieces    []Piece  `json:"pieces"`
	Customs   *Customs `json:"customs,omitempty"`
}

// OrderRequest is sent to POST /v2/orders.
type OrderRequest struct {
	Profile   string     `json:"profile"`
	Shipments []Shipment `json:"shipments"`
}

// Status is the status block of order responses.
type Status struct {
	Title      string `json:"title"`
	StatusCode int    `json:"statusCode"`
	Detail     string `json:"detail,omitempty"`
}

// Document is a label, either as a URL or base64 content.
type Document struct {
	URL        string `json:"url,omitempty"`
	B64        string `json:"b64,omitempty"`
	FileFormat string `json:"fileFormat,omitempty"`
}

// ValidationMessage is a field level message.
type ValidationMessage struct {
	Property          string `json:"property"`
	ValidationMessage string `json:"validationMessage"`
	ValidationState   string `json:"validationState"`
}

// OrderItem is the result for one shipment of an order.
type OrderItem struct {
	ShipmentNo         string              `json:"shipmentNo,omitempty"`
	Sstatus            Status              `json:"sstatus"`
	Label              *Document           `json:"label,omitempty"`
	ShipmentCharge     *Money              `json:"shipmentCharge,omitempty"`
	ValidationMessages []ValidationMessage `json:"validationMessages,omitempty"`
}

// OrderResponse is returned by POST /v2/orders. Raw holds the undecoded body.
type OrderResponse struct {
	Status Status          `json:"status"`
	Items  []OrderItem     `json:"items"`
	Raw    json.RawMessage `json:"-"`
}

// Location identifies origin or destination for a rate request.
type Location struct {
	Country    string `json:"country"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city"`
}

// RatesRequest is sent to POST /v2/rates.
type RatesRequest struct {
	Origin      Location `json:"origin"`
	Destination Location `json:"destination"`
	Pieces      []Piece  `json:"pieces"`
}

// Product is one quoted product.
type Product struct {
	ProductCode          string `json:"productCode"`
	ProductName          string `json:"productName"`
	TotalPrice           Money  `json:"totalPrice"`
	DeliveryCapabilities struct {
		TotalTransitDays int `json:"totalTransitDays"`
	} `json:"deliveryCapabilities"`
}

// RatesResponse is returned by POST /v2/rates.
type RatesResponse struct {
	Products []Product `json:"products"`
}

// AddressValidationRequest is sent to POST /v2/addresses/validate.
type AddressValidationRequest struct {
	Address Contact `json:"address"`
}

// AddressValidationResponse is returned by POST /v2/addresses/validate.
type AddressValidationResponse struct {
	Valid      bool                `json:"valid"`
	Suggestion *Contact            `json:"suggestion,omitempty"`
	Messages   []ValidationMessage `json:"messages,omitempty"`
}

// EventLocation is where a tracking event happened.
type EventLocation struct {
	Address struct {
		AddressLocality string `json:"addressLocality"`
		CountryCode     string `json:"countryCode"`
	} `json:"address"`
}

// TrackingEvent is one scan of a shipment.
type TrackingEvent struct {
	Timestamp   string         `json:"timestamp"`
	StatusCode  string         `json:"statusCode"`
	Status      string         `json:"status"`
	Description string         `json:"description,omitempty"`
	Location    *EventLocation `json:"location,omitempty"`
}

// TrackedShipment is a shipment with its events, newest first.
type TrackedShipment struct {
	ID     string          `json:"id"`
	Events []TrackingEvent `json:"events"`
}

// TrackingResponse is returned by GET /v2/tracking.
type TrackingResponse struct {
	Shipments []TrackedShipment `json:"shipments"`
}

// APIError is an RFC 7807 problem returned by the DHL API.
type APIError struct {
	StatusCode int         `json:"status"`
	Title      string      `json:"title"`
	Detail     string      `json:"detail"`
	Items      []OrderItem `json:"items,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Title, e.Message())
}

// Message joins the detail with any field level validation messages.
func (e *APIError) Message() string {
	parts := make([]string, 0, 1)
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	for _, item := range e.Items {
		for _, m := range item.ValidationMessages {
			if m.Property != "" {
				parts = append(parts, m.Property+": "+m.ValidationMessage)
			} else {
				parts = append(parts, m.ValidationMessage)
			}
		}
	}
	if len(parts) == 0 {
		return e.Title
	}
	return strings.Join(parts, "; ")
}

// Code returns a machine readable code derived from the problem title.
func (e *APIError) Code() string {
	if e.Title == "" {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(e.Title), " ", "_"))
}
