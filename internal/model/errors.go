package model

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Callers match them with errors.Is.
var (
	// ErrMalformedBar marks a bar that failed validation or arrived out of
	// order. The bar is skipped for that symbol only.
	ErrMalformedBar = errors.New("model: malformed bar")

	// ErrInvalidOrder marks an order rejected before or during simulation:
	// non-positive quantity, unknown symbol, position-size limit.
	ErrInvalidOrder = errors.New("model: invalid order")

	// ErrRiskBreach marks an order rejected because the strategy has been
	// disabled by its risk governor.
	ErrRiskBreach = errors.New("model: risk breach")

	// ErrStrategyFault marks any failure inside signal generation or fill
	// application. Fatal to the one strategy only.
	ErrStrategyFault = errors.New("model: strategy fault")

	// ErrDispatchTimeout is a StrategyFault raised when a runtime exceeds
	// its per-bar deadline.
	ErrDispatchTimeout = fmt.Errorf("%w: bar processing timed out", ErrStrategyFault)

	// ErrInvalidTransition is returned when an order leaves a terminal state.
	ErrInvalidTransition = errors.New("model: invalid order state transition")
)
