package bundle

import "errors"

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidAllocation  = errors.New("invalid allocation")
	ErrTooManyStrategies  = errors.New("too many strategies")
	ErrDuplicateStrategy  = errors.New("strategy already registered")
	ErrUnknownStrategy    = errors.New("strategy not registered")
	ErrNoActiveStrategies = errors.New("no active strategies")
	ErrNonZeroBalance     = errors.New("strategy has a non-zero balance")
	ErrInvariantViolation = errors.New("allocation invariant violated")
	ErrReentrant          = errors.New("bundle operation already in progress")
	ErrEmergencyMode      = errors.New("bundle is in emergency mode")
	ErrNotInEmergency     = errors.New("bundle is not in emergency mode")
	ErrUnauthorized       = errors.New("operator not authorized")
	ErrRiskLimit          = errors.New("portfolio risk limit exceeded")
)
