package ethrpc

import (
	"errors"
	"strings"
)

// RangeLimitError marks an eth_getLogs rejection caused by the requested
// block window exceeding the provider's per-call limit. Callers halve their
// window and retry.
type RangeLimitError struct {
	cause error
}

// NewRangeLimitError wraps a provider rejection; fake clients use it too.
func NewRangeLimitError(cause error) *RangeLimitError {
	return &RangeLimitError{cause: cause}
}

func (e *RangeLimitError) Error() string {
	return "log query block range too wide: " + e.cause.Error()
}

func (e *RangeLimitError) Unwrap() error { return e.cause }

// IsRangeLimit reports whether err is a block-range-limit rejection.
func IsRangeLimit(err error) bool {
	var rle *RangeLimitError
	return errors.As(err, &rle)
}

// provider wording differs; these cover geth, erigon and the major hosted
// endpoints
var rangeLimitMarkers = []string{
	"block range",
	"query returned more than",
	"exceed maximum block",
	"too many blocks",
	"range is too large",
	"-32062",
}

func isRangeLimitMessage(msg string) bool {
	low := strings.ToLower(msg)
	for _, m := range rangeLimitMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}
