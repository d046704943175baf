package admin

import "errors"

var (
	ErrInvalidPurchaseID = errors.New("invalid purchase id")
	ErrMissingOperator   = errors.New("operator id missing from context")
)
