package exception

import "errors"

var (
	ErrOrderInvalidRequest   = errors.New("order: invalid request")
	ErrOrderUnknown          = errors.New("order: unknown order")
	ErrOrderRejected         = errors.New("order: rejected by venue")
	ErrOrderReadOnly         = errors.New("order: read-only order")
	ErrReconciliationFault   = errors.New("order: reconciliation fault")
	ErrDuplicateExecution    = errors.New("order: duplicate execution")
	ErrPositionQueryRejected = errors.New("order: position query rejected")
)
