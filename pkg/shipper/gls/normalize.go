package gls

import (
	"fmt"
	"strings"
	"time"

	"github.com/tournevent/carrierlink/pkg/shipper"
)

// GLS has no economy product.
var products = map[shipper.ServiceLevel]string{
	shipper.ServiceStandard:  "PARCEL",
	shipper.ServiceExpress:   "EXPRESS",
	shipper.ServiceOvernight: "EXPRESS_0900",
}

var productLevels = func() map[string]shipper.ServiceLevel {
	m := make(map[string]shipper.ServiceLevel, len(products))
	for level, code := range products {
		m[code] = level
	}
	return m
}()

var trackingStatuses = map[string]shipper.TrackingStatus{
	"PREADVICE":    shipper.StatusCreated,
	"INTRANSIT":    shipper.StatusInTransit,
	"INWAREHOUSE":  shipper.StatusInTransit,
	"INDELIVERY":   shipper.StatusOutForDelivery,
	"DELIVERED":    shipper.StatusDelivered,
	"DELIVEREDPS":  shipper.StatusDelivered,
	"NOTDELIVERED": shipper.StatusException,
	"CANCELED":     shipper.StatusException,
	"RETURNED":     shipper.StatusException,
}

// normalizePostalCode removes spaces from postal codes.
func normalizePostalCode(pc string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(pc)), " ", "")
}

// ============================================================================
// Conversion helpers: Shipper models -> API models
// ============================================================================

func addressToAPI(addr shipper.Address) Address {
	a := Address{
		Name1:       addr.Name,
		Name2:       addr.Company,
		City:        addr.City,
		Province:    addr.State,
		PostalCode:  normalizePostalCode(addr.PostalCode),
		CountryCode: addr.CountryCode,
		Email:       addr.Email,
		Phone:       addr.Phone,
	}
	if len(addr.StreetLines) > 0 {
		a.Street1 = strings.TrimSpace(addr.StreetLines[0])
	}
	if len(addr.StreetLines) > 1 {
		a.Street2 = strings.Join(addr.StreetLines[1:], ", ")
	}
	return a
}

func packagesToParcels(pkgs []shipper.Package, reference string) []Parcel {
	parcels := make([]Parcel, len(pkgs))
	for i, p := range pkgs {
		parcels[i] = Parcel{WeightGrams: p.Weight.Grams(), Reference: reference}
		if p.Dimensions != nil {
			l, w, h := p.Dimensions.Centimeters()
			parcels[i].LengthCM = shipper.Round2(l)
			parcels[i].WidthCM = shipper.Round2(w)
			parcels[i].HeightCM = shipper.Round2(h)
		}
	}
	return parcels
}

func customsToAPI(items []shipper.CustomsLineItem) []CustomsContent {
	if len(items) == 0 {
		return nil
	}
	content := make([]CustomsContent, len(items))
	for i, item := range items {
		content[i] = CustomsContent{
			HSCode:      item.CommodityCode,
			Description: item.Description,
			GrossWeight: item.GrossWeight.Grams(),
			NetWeight:   item.NetWeight.Grams(),
		}
	}
	return content
}

func quoteRequest(req *shipper.ShipmentRequest) *QuoteRequest {
	return &QuoteRequest{
		Shipper:   addressToAPI(req.Shipper),
		Consignee: addressToAPI(req.Recipient),
		Parcels:   packagesToParcels(req.Packages, ""),
	}
}

func shipmentRequest(shipperID, product string, req *shipper.ShipmentRequest) *ShipmentRequest {
	return &ShipmentRequest{
		ShipperID:      shipperID,
		Product:        product,
		Reference:      req.Reference,
		Shipper:        addressToAPI(req.Shipper),
		Consignee:      addressToAPI(req.Recipient),
		Parcels:        packagesToParcels(req.Packages, req.Reference),
		CustomsContent: customsToAPI(req.Customs),
	}
}

// ============================================================================
// Conversion helpers: API models -> Shipper models
// ============================================================================

func addressToShipper(a Address) shipper.Address {
	addr := shipper.Address{
		Name:        a.Name1,
		Company:     a.Name2,
		StreetLines: []string{a.Street1},
		City:        a.City,
		State:       a.Province,
		PostalCode:  a.PostalCode,
		CountryCode: a.CountryCode,
		Phone:       a.Phone,
		Email:       a.Email,
	}
	if a.Street2 != "" {
		addr.StreetLines = append(addr.StreetLines, a.Street2)
	}
	return addr
}

func validationToShipper(resp *AddressValidationResponse) *shipper.AddressValidation {
	result := &shipper.AddressValidation{
		Carrier: carrierName,
		Valid:   strings.EqualFold(resp.Status, ValidationValid),
	}
	if len(resp.Suggestions) > 0 {
		suggestion := addressToShipper(resp.Suggestions[0])
		result.SuggestedCorrection = &suggestion
	}
	for _, issue := range resp.Issues {
		if issue.Field != "" {
			result.Issues = append(result.Issues, issue.Field+": "+issue.Message)
		} else {
			result.Issues = append(result.Issues, issue.Message)
		}
	}
	return result
}

// quotesToShipper converts quotes, skipping products that cannot be booked.
func quotesToShipper(resp *QuoteResponse) []shipper.RateQuote {
	quotes := make([]shipper.RateQuote, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		level, ok := productLevels[strings.ToUpper(q.Product)]
		if !ok {
			continue
		}
		quotes = append(quotes, shipper.RateQuote{
			Carrier:       carrierName,
			ServiceLevel:  level,
			ServiceName:   q.ProductName,
			Cost:          shipper.Money{Amount: shipper.Round2(q.Price.Amount), Currency: q.Price.Currency},
			EstimatedDays: q.TransitDays,
		})
	}
	return quotes
}

func shipmentToShipper(resp *ShipmentResponse, now time.Time) (*shipper.ShipmentResult, bool) {
	if len(resp.Parcels) == 0 || resp.Parcels[0].TrackID == "" {
		return nil, false
	}
	parcel := resp.Parcels[0]

	result := &shipper.ShipmentResult{
		Carrier:        carrierName,
		TrackingNumber: parcel.TrackID,
		LabelReference: "parcel:" + parcel.ParcelNumber,
		RawResponse:    resp.Raw,
		CreatedAt:      now,
	}
	if len(resp.Labels) > 0 && resp.Labels[0].DocumentID != "" {
		result.LabelReference = resp.Labels[0].DocumentID
	}
	if resp.Price != nil {
		result.EstimatedCost = shipper.Money{Amount: resp.Price.Amount, Currency: resp.Price.Currency}
	}
	return result, true
}

// mapStatus maps a GLS event code. Unknown codes map to StatusUnknown.
func mapStatus(code string) shipper.TrackingStatus {
	if status, ok := trackingStatuses[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return status
	}
	return shipper.StatusUnknown
}

func parcelToShipper(resp *ParcelResponse) ([]shipper.TrackingEvent, error) {
	events := make([]shipper.TrackingEvent, 0, len(resp.Events))
	for i, e := range resp.Events {
		ts, err := shipper.ParseEventTime(e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}

		loc := e.Location.City
		if e.Location.CountryCode != "" {
			if loc != "" {
				loc += ", "
			}
			loc += e.Location.CountryCode
		}

		events = append(events, shipper.TrackingEvent{
			Timestamp:   ts,
			Status:      mapStatus(e.Code),
			Location:    loc,
			RawStatus:   e.Code,
			Description: e.Description,
		})
	}
	shipper.SortEvents(events)
	return events, nil
}
