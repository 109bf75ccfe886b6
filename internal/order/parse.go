package order

import "fmt"

// ParseType maps the persisted string form back to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "MARKET":
		return TypeMarket, nil
	case "LIMIT":
		return TypeLimit, nil
	case "STOP_LOSS":
		return TypeStopLoss, nil
	case "STOP_LIMIT":
		return TypeStopLimit, nil
	case "TAKE_PROFIT":
		return TypeTakeProfit, nil
	}
	return 0, fmt.Errorf("unknown order type %q", s)
}

// ParseSide maps the persisted string form back to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// ParseTimeInForce maps the persisted string form back to a TimeInForce.
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch s {
	case "GTC":
		return TimeInForceGTC, nil
	case "IOC":
		return TimeInForceIOC, nil
	case "FOK":
		return TimeInForceFOK, nil
	}
	return 0, fmt.Errorf("unknown time in force %q", s)
}

// ParseStatus maps the persisted string form back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PENDING":
		return StatusPending, nil
	case "OPEN":
		return StatusOpen, nil
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled, nil
	case "FILLED":
		return StatusFilled, nil
	case "CANCELLED":
		return StatusCancelled, nil
	case "REJECTED":
		return StatusRejected, nil
	case "EXPIRED":
		return StatusExpired, nil
	}
	return 0, fmt.Errorf("unknown status %q", s)
}
