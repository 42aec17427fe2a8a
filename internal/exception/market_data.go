package exception

import "errors"

var (
	ErrMalformedEvent         = errors.New("market data: malformed event")
	ErrUnsupportedGranularity = errors.New("market data: unsupported granularity")
	ErrUnknownSubscription    = errors.New("market data: unknown subscription")
	ErrDuplicateSubscription  = errors.New("market data: duplicate subscription")
	ErrInvalidSubscription    = errors.New("market data: invalid subscription")
	ErrNoData                 = errors.New("market data: no data yet")
	ErrEndOfStream            = errors.New("market data: end of stream")
	ErrHistoryRejected        = errors.New("market data: history query rejected")
	ErrFeedPumped             = errors.New("market data: feed is consumed by the bridge")
)
