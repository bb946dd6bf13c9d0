package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const standardDeliveryText = "Standard delivery"

func IsEligibleForWeight(rule ShippingRule, weight decimal.Decimal) bool {
	return withinBounds(weight, rule.MinWeight, rule.MaxWeight)
}

func IsEligibleForOrderAmount(rule ShippingRule, amount decimal.Decimal) bool {
	return withinBounds(amount, rule.MinOrderAmount, rule.MaxOrderAmount)
}

// CalculatePrice returns the flat price of rule when both the weight and the
// order amount fall inside its bounds. The second result is false when the
// option does not apply; a zero price with true means free shipping.
func CalculatePrice(rule ShippingRule, weight decimal.Decimal, amount decimal.Decimal) (decimal.Decimal, bool) {
	if !IsEligibleForWeight(rule, weight) || !IsEligibleForOrderAmount(rule, amount) {
		return decimal.Zero, false
	}

	return rule.Price, true
}

// DeliveryText renders a delivery estimate such as "2-4 days".
func DeliveryText(minDays *int, maxDays *int) string {
	if minDays == nil || maxDays == nil {
		return standardDeliveryText
	}

	if *minDays == *maxDays {
		return fmt.Sprintf("%d days", *minDays)
	}

	return fmt.Sprintf("%d-%d days", *minDays, *maxDays)
}

func withinBounds(value decimal.Decimal, minimum *decimal.Decimal, maximum *decimal.Decimal) bool {
	if minimum != nil && value.LessThan(*minimum) {
		return false
	}

	if maximum != nil && value.GreaterThan(*maximum) {
		return false
	}

	return true
}
