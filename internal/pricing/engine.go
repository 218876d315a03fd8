package pricing

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"basil/core/internal/domain"
)

var (
	ErrInvalidMRP        = errors.New("mrp must be greater than zero")
	ErrInvalidPercentage = errors.New("percentage must be in [0, 100)")
)

// Recompute derives the fields that depend on the edited one. The edited
// field itself is not part of the update; the caller already holds it. Any
// input that cannot drive a recompute yields an empty update.
func Recompute(field domain.PriceField, raw string, current domain.PriceFieldSet, mode domain.PriceModeFlags) domain.PriceUpdate {
	value, ok := Sanitize(raw)
	if !ok {
		return domain.PriceUpdate{}
	}

	var out result
	switch field {
	case domain.FieldCostPrice:
		out.cost = splitInclusive(value, current.TaxPercentage)
		if current.MRP > 0 {
			out.purchaseMargin = ptr((1 - value/current.MRP) * 100)
		}
	case domain.FieldCostPriceBase:
		if current.TaxPercentage <= 0 {
			return domain.PriceUpdate{}
		}
		out.cost = splitBase(value, current.TaxPercentage)
	case domain.FieldSellingPrice:
		out.selling = splitInclusive(value, current.TaxPercentage)
		if current.MRP > 0 {
			out.margin = ptr((1 - value/current.MRP) * 100)
		}
	case domain.FieldSellingPriceBase:
		if current.TaxPercentage <= 0 {
			return domain.PriceUpdate{}
		}
		out.selling = splitBase(value, current.TaxPercentage)
	case domain.FieldMRP:
		if value <= 0 {
			return domain.PriceUpdate{}
		}
		out.cost = fromMRP(value, current.PurchaseMarginPercentage, current.TaxPercentage, mode.EditCostPriceAsBase)
		out.selling = fromMRP(value, current.MarginPercentage, current.TaxPercentage, mode.EditSellingPriceAsBase)
	case domain.FieldPurchaseMarginPercentage:
		if current.MRP <= 0 || !validPercentage(value) {
			return domain.PriceUpdate{}
		}
		out.cost = fromMRP(current.MRP, value, current.TaxPercentage, mode.EditCostPriceAsBase)
		if current.MarginPercentage > 0 {
			out.selling = fromMRP(current.MRP, current.MarginPercentage, current.TaxPercentage, mode.EditSellingPriceAsBase)
		}
	case domain.FieldMarginPercentage:
		if current.MRP <= 0 || !validPercentage(value) {
			return domain.PriceUpdate{}
		}
		out.selling = fromMRP(current.MRP, value, current.TaxPercentage, mode.EditSellingPriceAsBase)
		if current.PurchaseMarginPercentage > 0 {
			out.cost = fromMRP(current.MRP, current.PurchaseMarginPercentage, current.TaxPercentage, mode.EditCostPriceAsBase)
		}
	case domain.FieldTaxPercentage:
		// A zero rate leaves the existing splits alone.
		if value <= 0 || !validPercentage(value) {
			return domain.PriceUpdate{}
		}
		if current.MRP > 0 && (current.PurchaseMarginPercentage > 0 || current.MarginPercentage > 0) {
			out.cost = fromMRP(current.MRP, current.PurchaseMarginPercentage, value, mode.EditCostPriceAsBase)
			out.selling = fromMRP(current.MRP, current.MarginPercentage, value, mode.EditSellingPriceAsBase)
			break
		}
		out.cost = splitInclusive(current.CostPrice, value)
		if mode.EditSellingPriceAsBase {
			out.selling = splitBase(current.SellingPriceBase, value)
		} else {
			out.selling = splitInclusive(current.SellingPrice, value)
		}
	default:
		return domain.PriceUpdate{}
	}

	return out.update(field)
}

// FromMRP computes both price triads from an MRP, a tax rate and the two
// margins.
func FromMRP(mrp, taxPercentage, purchaseMargin, margin float64, mode domain.PriceModeFlags) (domain.PriceBreakdown, error) {
	if mrp <= 0 {
		return domain.PriceBreakdown{}, ErrInvalidMRP
	}
	for _, pct := range []float64{taxPercentage, purchaseMargin, margin} {
		if !validPercentage(pct) {
			return domain.PriceBreakdown{}, errors.Wrapf(ErrInvalidPercentage, "got %v", pct)
		}
	}

	cost := fromMRP(mrp, purchaseMargin, taxPercentage, mode.EditCostPriceAsBase)
	selling := fromMRP(mrp, margin, taxPercentage, mode.EditSellingPriceAsBase)
	return domain.PriceBreakdown{
		CostPrice:        round2(cost.price),
		CostPriceBase:    round2(cost.base),
		CostGST:          round2(cost.gst),
		SellingPrice:     round2(selling.price),
		SellingPriceBase: round2(selling.base),
		SellingGST:       round2(selling.gst),
	}, nil
}

// Sanitize keeps digits and the first decimal point of raw. It reports false
// for empty input and for input that ends in a bare decimal point.
func Sanitize(raw string) (float64, bool) {
	var b strings.Builder
	seenDot := false
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' && !seenDot:
			seenDot = true
			b.WriteRune(r)
		}
	}

	cleaned := b.String()
	if cleaned == "" || cleaned == "." || strings.HasSuffix(cleaned, ".") {
		return 0, false
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

type triad struct {
	price float64
	base  float64
	gst   float64
}

type result struct {
	cost           *triad
	selling        *triad
	margin         *float64
	purchaseMargin *float64
}

func (r result) update(edited domain.PriceField) domain.PriceUpdate {
	var u domain.PriceUpdate
	if r.cost != nil {
		u.CostPrice = rounded(r.cost.price)
		u.CostPriceBase = rounded(r.cost.base)
		u.CostGST = rounded(r.cost.gst)
	}
	if r.selling != nil {
		u.SellingPrice = rounded(r.selling.price)
		u.SellingPriceBase = rounded(r.selling.base)
		u.SellingGST = rounded(r.selling.gst)
	}
	if r.margin != nil {
		u.MarginPercentage = rounded(*r.margin)
	}
	if r.purchaseMargin != nil {
		u.PurchaseMarginPercentage = rounded(*r.purchaseMargin)
	}

	switch edited {
	case domain.FieldCostPrice:
		u.CostPrice = nil
	case domain.FieldCostPriceBase:
		u.CostPriceBase = nil
	case domain.FieldSellingPrice:
		u.SellingPrice = nil
	case domain.FieldSellingPriceBase:
		u.SellingPriceBase = nil
	}
	return u
}

func splitInclusive(price, taxPercentage float64) *triad {
	if taxPercentage <= 0 {
		return &triad{price: price, base: price}
	}
	base := price / (1 + taxPercentage/100)
	return &triad{price: price, base: base, gst: price - base}
}

func splitBase(base, taxPercentage float64) *triad {
	if taxPercentage <= 0 {
		return &triad{price: base, base: base}
	}
	price := base * (1 + taxPercentage/100)
	return &triad{price: price, base: base, gst: price - base}
}

// fromMRP prices one side from the MRP. A zero margin collapses the price to
// the MRP itself.
func fromMRP(mrp, marginPercentage, taxPercentage float64, baseIsSource bool) *triad {
	price := mrp
	if marginPercentage > 0 {
		price = mrp * (1 - marginPercentage/100)
	}
	if baseIsSource && taxPercentage > 0 {
		return splitBase(price/(1+taxPercentage/100), taxPercentage)
	}
	return splitInclusive(price, taxPercentage)
}

func validPercentage(v float64) bool {
	return v >= 0 && v < 100
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func rounded(v float64) *float64 {
	return ptr(round2(v))
}

func ptr(v float64) *float64 {
	return &v
}
