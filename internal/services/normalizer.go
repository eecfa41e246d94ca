package services

import (
	"math"
	"strings"

	"github.com/gorgonstone/api/internal/payments"
)

// UnspecifiedSize marks a line whose payment record carried no size. The
// storefront never omits size at checkout, so the sentinel flags a data
// anomaly without dropping the item.
const UnspecifiedSize = "Unspecified"

const (
	sizeMarker     = " - Size: "
	variantDivider = " - "
)

// normalizeLineItems converts the session's raw lines into order items,
// preserving the processor's line order.
func normalizeLineItems(lines []payments.SessionLineItem) []OrderItem {
	items := make([]OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, normalizeLineItem(line))
	}
	return items
}

// normalizeLineItem builds one order item from a raw line. Structured
// metadata recorded at checkout time is authoritative; description parsing
// is the compatibility path for sessions created before metadata existed.
func normalizeLineItem(line payments.SessionLineItem) OrderItem {
	quantity := int(line.Quantity)
	if quantity < 1 {
		quantity = 1
	}

	item := OrderItem{
		Quantity:  quantity,
		UnitPrice: unitPrice(line.AmountTotal, quantity),
	}

	if hasLineMetadata(line) {
		item.ProductID = strings.TrimSpace(line.ProductID)
		item.Name = strings.TrimSpace(line.Description)
		item.Size = strings.TrimSpace(line.Size)
		item.Color = strings.TrimSpace(line.Color)
	} else {
		item.Name, item.Color, item.Size = parseDescription(line.Description)
	}

	if item.Size == "" {
		item.Size = UnspecifiedSize
	}
	return item
}

func hasLineMetadata(line payments.SessionLineItem) bool {
	return strings.TrimSpace(line.ProductID) != "" || strings.TrimSpace(line.Size) != ""
}

// parseDescription recovers name, color and size from the checkout display
// string "<name>[ - <color>] - Size: <size>". A product name containing the
// divider substring will misparse; metadata-carrying sessions bypass this
// path entirely.
func parseDescription(description string) (name, color, size string) {
	name = strings.TrimSpace(description)

	idx := strings.LastIndex(name, sizeMarker)
	if idx < 0 {
		return name, "", ""
	}

	size = strings.TrimSpace(name[idx+len(sizeMarker):])
	name = strings.TrimSpace(name[:idx])

	if div := strings.LastIndex(name, variantDivider); div >= 0 {
		color = strings.TrimSpace(name[div+len(variantDivider):])
		name = strings.TrimSpace(name[:div])
	}
	return name, color, size
}

// unitPrice converts an aggregate minor-unit amount into a per-unit price in
// currency units, rounded to the cent.
func unitPrice(amountTotal int64, quantity int) float64 {
	if quantity < 1 {
		quantity = 1
	}
	return math.Round(float64(amountTotal)/float64(quantity)) / 100
}

// roundCents normalises a currency amount to two decimals.
func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// minorToUnits converts a minor-unit amount to currency units.
func minorToUnits(amount int64) float64 {
	return float64(amount) / 100
}
