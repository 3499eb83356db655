// Package pair handles trading pair symbol parsing and order size validation
// against catalog reference data.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradeassist/order-engine/internal/model"
)

// symbolRegex matches: {BASE}/{QUOTE}, both 2-10 uppercase alphanumerics.
// Example: BTC/USDT
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z0-9]{2,10})$`)

var (
	ErrInvalidSymbol  = errors.New("pair: invalid symbol format")
	ErrPairInactive   = errors.New("pair: trading is not active")
	ErrSizeOutOfRange = errors.New("pair: quantity outside allowed order size range")
)

// Symbol is a parsed trading pair symbol.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParseSymbol parses and validates a pair symbol string.
// Format: {BASE}/{QUOTE}, e.g. BTC/USDT.
func ParseSymbol(symbol string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(strings.ToUpper(symbol))
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected BASE/QUOTE)", ErrInvalidSymbol, symbol)
	}
	return &Symbol{Base: matches[1], Quote: matches[2]}, nil
}

// ValidateQuantity checks an intent quantity against the pair's catalog
// constraints: the pair must be active and the quantity within
// [min_order_size, max_order_size]. A zero max means unbounded.
func ValidateQuantity(p *model.TradingPair, quantity decimal.Decimal) error {
	if !p.IsActive {
		return fmt.Errorf("%w: %s on %s", ErrPairInactive, p.Symbol, p.Exchange)
	}
	if quantity.LessThan(p.MinOrderSize) {
		return fmt.Errorf("%w: %s below minimum %s", ErrSizeOutOfRange, quantity, p.MinOrderSize)
	}
	if !p.MaxOrderSize.IsZero() && quantity.GreaterThan(p.MaxOrderSize) {
		return fmt.Errorf("%w: %s above maximum %s", ErrSizeOutOfRange, quantity, p.MaxOrderSize)
	}
	return nil
}

// RoundQuantity truncates a quantity to the pair's quantity precision.
func RoundQuantity(p *model.TradingPair, quantity decimal.Decimal) decimal.Decimal {
	return quantity.Truncate(p.QuantityPrecision)
}

// RoundPrice rounds a price to the pair's price precision.
func RoundPrice(p *model.TradingPair, price decimal.Decimal) decimal.Decimal {
	return price.Round(p.PricePrecision)
}
