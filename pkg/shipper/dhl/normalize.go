package dhl

import (
	"fmt"
	"strings"
	"time"

	"github.com/tournevent/carrierlink/pkg/shipper"
)

// Products per service level: {domestic, international}. Overnight delivery
// is not offered.
var products = map[shipper.ServiceLevel][2]string{
	shipper.ServiceStandard: {"V01PAK", "V53WPAK"},
	shipper.ServiceEconomy:  {"V62WP", "V66WPI"},
	shipper.ServiceExpress:  {"V01PRIO", "V54EPAK"},
}

var productLevels = func() map[string]shipper.ServiceLevel {
	m := make(map[string]shipper.ServiceLevel)
	for level, codes := range products {
		m[codes[0]] = level
		m[codes[1]] = level
	}
	return m
}()

var trackingStatuses = map[string]shipper.TrackingStatus{
	"pre-transit":      shipper.StatusCreated,
	"transit":          shipper.StatusInTransit,
	"out-for-delivery": shipper.StatusOutForDelivery,
	"delivered":        shipper.StatusDelivered,
	"failure":          shipper.StatusException,
	"returned":         shipper.StatusException,
}

// productCode returns the product for a service level, or "" if DHL does not offer it.
func productCode(level shipper.ServiceLevel, international bool) string {
	codes, ok := products[level]
	if !ok {
		return ""
	}
	if international {
		return codes[1]
	}
	return codes[0]
}

func isInternational(req *shipper.ShipmentRequest) bool {
	return req.Shipper.CountryCode != req.Recipient.CountryCode
}

// ============================================================================
// Conversion helpers: Shipper models -> API models
// ============================================================================

func addressToContact(addr shipper.Address) Contact {
	c := Contact{
		Name1:      addr.Name,
		Name2:      addr.Company,
		PostalCode: addr.PostalCode,
		City:       addr.City,
		State:      addr.State,
		Country:    addr.CountryCode,
		Email:      addr.Email,
		Phone:      addr.Phone,
	}
	if len(addr.StreetLines) > 0 {
		c.AddressStreet, c.AddressHouse = shipper.SplitStreet(addr.StreetLines[0])
	}
	if len(addr.StreetLines) > 1 {
		c.AdditionalAddressInformation1 = strings.Join(addr.StreetLines[1:], ", ")
	}
	return c
}

func weightToAPI(w shipper.Weight) Weight {
	return Weight{UOM: "kg", Value: roundWeight(w.Kilograms())}
}

// roundWeight keeps gram precision.
func roundWeight(kg float64) float64 {
	return float64(shipper.Weight{Amount: kg, Unit: shipper.WeightKG}.Grams()) / 1000
}

func packagesToPieces(pkgs []shipper.Package) []Piece {
	pieces := make([]Piece, len(pkgs))
	for i, p := range pkgs {
		pieces[i] = Piece{Weight: weightToAPI(p.Weight)}
		if p.Dimensions != nil {
			l, w, h := p.Dimensions.Centimeters()
			pieces[i].Dim = &Dimensions{UOM: "cm", Length: shipper.Round2(l), Width: shipper.Round2(w), Height: shipper.Round2(h)}
		}
		if p.DeclaredValue != nil {
			pieces[i].ValueOfGoods = &Money{Currency: p.DeclaredValue.Currency, Value: p.DeclaredValue.Amount}
		}
	}
	return pieces
}

func customsToAPI(items []shipper.CustomsLineItem) *Customs {
	if len(items) == 0 {
		return nil
	}
	customs := &Customs{ExportType: "COMMERCIAL_GOODS", Items: make([]CustomsItem, len(items))}
	for i, item := range items {
		customs.Items[i] = CustomsItem{
			ItemDescription: item.Description,
			HSCode:          item.CommodityCode,
			GrossWeight:     weightToAPI(item.GrossWeight),
			NetWeight:       weightToAPI(item.NetWeight),
		}
	}
	return customs
}

func location(addr shipper.Address) Location {
	return Location{Country: addr.CountryCode, PostalCode: addr.PostalCode, City: addr.City}
}

func ratesRequest(req *shipper.ShipmentRequest) *RatesRequest {
	return &RatesRequest{
		Origin:      location(req.Shipper),
		Destination: location(req.Recipient),
		Pieces:      packagesToPieces(req.Packages),
	}
}

func orderRequest(profile, product string, req *shipper.ShipmentRequest) *OrderRequest {
	return &OrderRequest{
		Profile: profile,
		Shipments: []Shipment{
			{
				Product:   product,
				RefNo:     req.Reference,
				Shipper:   addressToContact(req.Shipper),
				Consignee: addressToContact(req.Recipient),
				Pieces:    packagesToPieces(req.Packages),
				Customs:   customsToAPI(req.Customs),
			},
		},
	}
}

// ============================================================================
// Conversion helpers: API models -> Shipper models
// ============================================================================

func contactToAddress(c Contact) shipper.Address {
	street := strings.TrimSpace(strings.TrimSpace(c.AddressStreet) + " " + strings.TrimSpace(c.AddressHouse))
	addr := shipper.Address{
		Name:        c.Name1,
		Company:     c.Name2,
		StreetLines: []string{street},
		City:        c.City,
		State:       c.State,
		PostalCode:  c.PostalCode,
		CountryCode: c.Country,
		Phone:       c.Phone,
		Email:       c.Email,
	}
	if c.AdditionalAddressInformation1 != "" {
		addr.StreetLines = append(addr.StreetLines, c.AdditionalAddressInformation1)
	}
	return addr
}

func validationToShipper(resp *AddressValidationResponse) *shipper.AddressValidation {
	result := &shipper.AddressValidation{
		Carrier: carrierName,
		Valid:   resp.Valid,
	}
	if resp.Suggestion != nil {
		suggestion := contactToAddress(*resp.Suggestion)
		result.SuggestedCorrection = &suggestion
	}
	for _, m := range resp.Messages {
		if m.Property != "" {
			result.Issues = append(result.Issues, m.Property+": "+m.ValidationMessage)
		} else {
			result.Issues = append(result.Issues, m.ValidationMessage)
		}
	}
	return result
}

// ratesToShipper converts products to quotes. Products that do not belong to
// a known service level are skipped since they cannot be booked.
func ratesToShipper(resp *RatesResponse) []shipper.RateQuote {
	quotes := make([]shipper.RateQuote, 0, len(resp.Products))
	for _, p := range resp.Products {
		level, ok := productLevels[p.ProductCode]
		if !ok {
			continue
		}
		quotes = append(quotes, shipper.RateQuote{
			Carrier:       carrierName,
			ServiceLevel:  level,
			ServiceName:   p.ProductName,
			Cost:          shipper.Money{Amount: p.TotalPrice.Value, Currency: p.TotalPrice.Currency},
			EstimatedDays: p.DeliveryCapabilities.TotalTransitDays,
		})
	}
	return quotes
}

func orderToShipper(resp *OrderResponse, now time.Time) (*shipper.ShipmentResult, bool) {
	if len(resp.Items) == 0 || resp.Items[0].ShipmentNo == "" {
		return nil, false
	}
	item := resp.Items[0]

	result := &shipper.ShipmentResult{
		Carrier:        carrierName,
		TrackingNumber: item.ShipmentNo,
		LabelReference: "shipment:" + item.ShipmentNo,
		RawResponse:    resp.Raw,
		CreatedAt:      now,
	}
	if item.Label != nil && item.Label.URL != "" {
		result.LabelReference = item.Label.URL
	}
	if item.ShipmentCharge != nil {
		result.EstimatedCost = shipper.Money{Amount: item.ShipmentCharge.Value, Currency: item.ShipmentCharge.Currency}
	}
	return result, true
}

// mapStatus maps a DHL status code. Unknown codes map to StatusUnknown.
func mapStatus(code string) shipper.TrackingStatus {
	if status, ok := trackingStatuses[strings.ToLower(strings.TrimSpace(code))]; ok {
		return status
	}
	return shipper.StatusUnknown
}

// trackingToShipper fails when an event timestamp cannot be read, since the
// event could not be placed in order.
func trackingToShipper(shipment TrackedShipment) ([]shipper.TrackingEvent, error) {
	events := make([]shipper.TrackingEvent, 0, len(shipment.Events))
	for i, e := range shipment.Events {
		ts, err := shipper.ParseEventTime(e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}

		var loc string
		if e.Location != nil {
			parts := make([]string, 0, 2)
			if e.Location.Address.AddressLocality != "" {
				parts = append(parts, e.Location.Address.AddressLocality)
			}
			if e.Location.Address.CountryCode != "" {
				parts = append(parts, e.Location.Address.CountryCode)
			}
			loc = strings.Join(parts, ", ")
		}

		description := e.Description
		if description == "" {
			description = e.Status
		}

		events = append(events, shipper.TrackingEvent{
			Timestamp:   ts,
			Status:      mapStatus(e.StatusCode),
			Location:    loc,
			RawStatus:   e.StatusCode,
			Description: description,
		})
	}
	shipper.SortEvents(events)
	return events, nil
}
