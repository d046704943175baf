package catalog

import "errors"

var (
	ErrUnknownTier    = errors.New("unknown tier")
	ErrUnknownPackage = errors.New("unknown package type")
)
