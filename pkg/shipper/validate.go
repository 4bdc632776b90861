package shipper

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

const maxIdempotencyKeyLength = 128

var commodityCodePattern = regexp.MustCompile(`^\d{6,8}$`)

// countriesWithoutPostalCodes lists ISO 3166-1 alpha-2 codes whose postal
// systems do not use postal codes.
var countriesWithoutPostalCodes = map[string]bool{
	"AE": true, "AG": true, "AO": true, "AW": true, "BF": true, "BI": true,
	"BJ": true, "BO": true, "BS": true, "BW": true, "BZ": true, "CD": true,
	"CF": true, "CG": true, "CI": true, "CK": true, "CM": true, "DJ": true,
	"DM": true, "ER": true, "FJ": true, "GD": true, "GH": true, "GM": true,
	"GQ": true, "GY": true, "HK": true, "JM": true, "KI": true, "KM": true,
	"KN": true, "KP": true, "LC": true, "ML": true, "MO": true, "MR": true,
	"MW": true, "NR": true, "NU": true, "QA": true, "RW": true, "SB": true,
	"SC": true, "SL": true, "SR": true, "ST": true, "SY": true, "TD": true,
	"TG": true, "TK": true, "TL": true, "TO": true, "TV": true, "UG": true,
	"VU": true, "YE": true, "ZW": true,
}

// PostalCodeRequired reports whether addresses in the country need a postal code.
func PostalCodeRequired(countryCode string) bool {
	return !countriesWithoutPostalCodes[countryCode]
}

// ValidCountryCode reports whether code is exactly two uppercase ASCII letters.
func ValidCountryCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

// Validate checks the address invariants.
func (a Address) Validate() error {
	v := &ValidationError{}
	a.validate("address", v)
	return v.ErrOrNil()
}

func (a Address) validate(field string, v *ValidationError) {
	if strings.TrimSpace(a.Name) == "" {
		v.Add(field+".name", "is required")
	}
	if len(a.StreetLines) == 0 || strings.TrimSpace(a.StreetLines[0]) == "" {
		v.Add(field+".streetLines", "at least one street line is required")
	}
	if strings.TrimSpace(a.City) == "" {
		v.Add(field+".city", "is required")
	}
	if !ValidCountryCode(a.CountryCode) {
		v.Add(field+".countryCode", fmt.Sprintf("%q is not an ISO 3166-1 alpha-2 code", a.CountryCode))
	} else if PostalCodeRequired(a.CountryCode) && strings.TrimSpace(a.PostalCode) == "" {
		v.Add(field+".postalCode", "is required for "+a.CountryCode)
	}
}

func (w Weight) validate(field string, v *ValidationError) {
	if !w.Unit.KnownUnit() {
		v.Add(field+".unit", fmt.Sprintf("unsupported unit %q", w.Unit))
	}
	if !(w.Amount > 0) || math.IsInf(w.Amount, 0) {
		v.Add(field+".amount", "must be greater than zero")
	}
}

func (p Package) validate(field string, v *ValidationError) {
	p.Weight.validate(field+".weight", v)
	if d := p.Dimensions; d != nil {
		if !(d.Length > 0 && d.Width > 0 && d.Height > 0) {
			v.Add(field+".dimensions", "length, width and height must be greater than zero")
		}
		if d.Unit != DimensionCM && d.Unit != DimensionIN {
			v.Add(field+".dimensions.unit", fmt.Sprintf("unsupported unit %q", d.Unit))
		}
	}
	if p.DeclaredValue != nil && p.DeclaredValue.Amount < 0 {
		v.Add(field+".declaredValue.amount", "must not be negative")
	}
}

func (c CustomsLineItem) validate(field string, v *ValidationError) {
	if !commodityCodePattern.MatchString(c.CommodityCode) {
		v.Add(field+".commodityCode", "must be a 6 to 8 digit HS code")
	}
	if strings.TrimSpace(c.Description) == "" {
		v.Add(field+".description", "is required")
	}
	c.GrossWeight.validate(field+".grossWeight", v)
	c.NetWeight.validate(field+".netWeight", v)
	if c.GrossWeight.Unit.KnownUnit() && c.NetWeight.Unit.KnownUnit() &&
		c.NetWeight.Kilograms() > c.GrossWeight.Kilograms() {
		v.Add(field+".netWeight", "must not exceed gross weight")
	}
}

// Validate checks every invariant needed to quote the shipment.
func (r *ShipmentRequest) Validate() error {
	v := &ValidationError{}
	r.validate(v)
	return v.ErrOrNil()
}

// ValidateForCreate additionally requires the fields shipment creation
// depends on: carrier, service level and idempotency key.
func (r *ShipmentRequest) ValidateForCreate() error {
	v := &ValidationError{}
	r.validate(v)
	if strings.TrimSpace(r.Carrier) == "" {
		v.Add("carrier", "is required to create a shipment")
	}
	if r.ServiceLevel == "" {
		v.Add("serviceLevel", "is required to create a shipment")
	}
	switch key := strings.TrimSpace(r.IdempotencyKey); {
	case key == "":
		v.Add("idempotencyKey", "is required to create a shipment")
	case len(key) > maxIdempotencyKeyLength:
		v.Add("idempotencyKey", fmt.Sprintf("must be at most %d characters", maxIdempotencyKeyLength))
	}
	return v.ErrOrNil()
}

func (r *ShipmentRequest) validate(v *ValidationError) {
	r.Shipper.validate("shipper", v)
	r.Recipient.validate("recipient", v)
	if len(r.Packages) == 0 {
		v.Add("packages", "at least one package is required")
	}
	for i, p := range r.Packages {
		p.validate(fmt.Sprintf("packages[%d]", i), v)
	}
	for i, c := range r.Customs {
		c.validate(fmt.Sprintf("customs[%d]", i), v)
	}
}

// Validate checks the tracking request.
func (r *TrackingRequest) Validate() error {
	if strings.TrimSpace(r.TrackingNumber) == "" {
		return NewValidationError("trackingNumber", "is required")
	}
	return nil
}
