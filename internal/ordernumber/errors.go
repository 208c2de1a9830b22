package ordernumber

import "errors"

var (
	// ErrInvalidType indicates an order type other than S, R or H.
	ErrInvalidType = errors.New("ordernumber: invalid order type")

	// ErrInvalidOrderNumber indicates a string that cannot be parsed.
	ErrInvalidOrderNumber = errors.New("ordernumber: invalid order number")
)
