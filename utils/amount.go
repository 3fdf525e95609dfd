package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount accepts user-formatted money values such as "1,200", "$1,200.50",
// "USD -300" or a JSON number.
func ParseAmount(i interface{}) (decimal.Decimal, error) {
	switch v := i.(type) {
	case string:
		return parseAmountString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case decimal.Decimal:
		return v, nil
	default:
		return decimal.Zero, fmt.Errorf("invalid amount type %T", i)
	}
}

func parseAmountString(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, ",", "")
	for _, sym := range []string{"USD", "usd", "$"} {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.TrimSpace(s)

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	var b strings.Builder
	b.Grow(len(s) + 1)
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return decimal.Zero, errors.New("invalid amount")
	}
	if neg {
		clean = "-" + clean
	}
	return decimal.NewFromString(clean)
}

// ParseDecimal parses a plain decimal string.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	return decimal.NewFromString(value)
}
