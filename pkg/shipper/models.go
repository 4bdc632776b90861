package shipper

import (
	"encoding/json"
	"time"
)

// TrackingStatus is the normalized status of a tracking event.
type TrackingStatus string

const (
	StatusCreated        TrackingStatus = "CREATED"
	StatusInTransit      TrackingStatus = "IN_TRANSIT"
	StatusOutForDelivery TrackingStatus = "OUT_FOR_DELIVERY"
	StatusDelivered      TrackingStatus = "DELIVERED"
	StatusException      TrackingStatus = "EXCEPTION"
	StatusUnknown        TrackingStatus = "UNKNOWN"
)

// ServiceLevel represents the requested shipping service.
type ServiceLevel string

const (
	ServiceStandard  ServiceLevel = "standard"
	ServiceExpress   ServiceLevel = "express"
	ServiceOvernight ServiceLevel = "overnight"
	ServiceEconomy   ServiceLevel = "economy"
)

// WeightUnit represents weight measurement unit.
type WeightUnit string

const (
	WeightKG WeightUnit = "kg"
	WeightG  WeightUnit = "g"
	WeightLB WeightUnit = "lb"
	WeightOZ WeightUnit = "oz"
)

// DimensionUnit represents dimension measurement unit.
type DimensionUnit string

const (
	DimensionCM DimensionUnit = "cm"
	DimensionIN DimensionUnit = "in"
)

// Address represents a shipping address.
type Address struct {
	Name        string   `json:"name"`
	Company     string   `json:"company,omitempty"`
	StreetLines []string `json:"streetLines"`
	City        string   `json:"city"`
	State       string   `json:"state,omitempty"`
	PostalCode  string   `json:"postalCode,omitempty"`
	CountryCode string   `json:"countryCode"` // ISO 3166-1 alpha-2, e.g., "DE", "US"
	Phone       string   `json:"phone,omitempty"`
	Email       string   `json:"email,omitempty"`
	Residential bool     `json:"residential,omitempty"`
}

// Weight is an amount in a given unit. Carriers receive it converted to
// whatever unit they mandate.
type Weight struct {
	Amount float64    `json:"amount"`
	Unit   WeightUnit `json:"unit"`
}

// Dimensions of a package.
type Dimensions struct {
	Length float64       `json:"length"`
	Width  float64       `json:"width"`
	Height float64       `json:"height"`
	Unit   DimensionUnit `json:"unit"`
}

// Money represents a monetary amount.
type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Package represents a package to be shipped.
type Package struct {
	Weight        Weight      `json:"weight"`
	Dimensions    *Dimensions `json:"dimensions,omitempty"`
	DeclaredValue *Money      `json:"declaredValue,omitempty"`
}

// CustomsLineItem declares goods for cross-border shipments.
type CustomsLineItem struct {
	CommodityCode string `json:"commodityCode"` // HS code, 6 to 8 digits
	Description   string `json:"description"`
	GrossWeight   Weight `json:"grossWeight"`
	NetWeight     Weight `json:"netWeight"`
}

// ShipmentRequest is the carrier-agnostic request for rates and shipment creation.
type ShipmentRequest struct {
	// Carrier routes the request. Optional for rates, required for creation.
	Carrier        string            `json:"carrier,omitempty"`
	Shipper        Address           `json:"shipper"`
	Recipient      Address           `json:"recipient"`
	Packages       []Package         `json:"packages"`
	Customs        []CustomsLineItem `json:"customs,omitempty"`
	ServiceLevel   ServiceLevel      `json:"serviceLevel,omitempty"`
	Reference      string            `json:"reference,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// ShipmentResult is the outcome of a successful shipment creation.
type ShipmentResult struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
	// LabelReference is carrier specific (a URL or document ID).
	LabelReference string `json:"labelReference"`
	EstimatedCost  Money  `json:"estimatedCost"`
	// RawResponse is kept for audit only. Its shape is not a stable contract.
	RawResponse json.RawMessage `json:"rawResponse,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	// Replayed is set when the result was returned from the idempotency
	// table instead of a new carrier call.
	Replayed bool `json:"replayed,omitempty"`
}

// RateQuote is a carrier's offered price and speed for a shipment.
type RateQuote struct {
	Carrier       string       `json:"carrier"`
	ServiceLevel  ServiceLevel `json:"serviceLevel"`
	ServiceName   string       `json:"serviceName,omitempty"`
	Cost          Money        `json:"cost"`
	EstimatedDays int          `json:"estimatedDays"`
}

// AddressValidation is the result of an address check.
type AddressValidation struct {
	Carrier             string   `json:"carrier"`
	Valid               bool     `json:"valid"`
	SuggestedCorrection *Address `json:"suggestedCorrection,omitempty"`
	Issues              []string `json:"issues,omitempty"`
}

// TrackingRequest asks for the events of a tracking number. When Carrier is
// empty the orchestrator infers it or asks every carrier.
type TrackingRequest struct {
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier,omitempty"`
}

// TrackingEvent represents a tracking event.
type TrackingEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    TrackingStatus `json:"status"`
	Location  string         `json:"location,omitempty"`
	// RawStatus is the carrier's own status code, preserved as received.
	RawStatus   string `json:"rawStatus"`
	Description string `json:"description,omitempty"`
}

// TrackingResult groups the events of one tracking number.
type TrackingResult struct {
	Carrier        string          `json:"carrier"`
	TrackingNumber string          `json:"trackingNumber"`
	Status         TrackingStatus  `json:"status"`
	Events         []TrackingEvent `json:"events"`
}
