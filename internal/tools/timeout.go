package tools

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Command timeout bounds, in seconds.
const (
	DefaultTimeoutSeconds = 30
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 300
)

// ErrInvalidTimeout is returned for a timeout that is not a whole number of
// seconds in [MinTimeoutSeconds, MaxTimeoutSeconds].
var ErrInvalidTimeout = errors.New("timeout must be between 1 and 300 seconds")

// ParseTimeout reads the optional "timeout" argument. A missing or null value
// yields the default.
func ParseTimeout(args map[string]any) (time.Duration, error) {
	v, ok := args["timeout"]
	if !ok || v == nil {
		return DefaultTimeoutSeconds * time.Second, nil
	}

	var secs float64
	switch n := v.(type) {
	case float64:
		secs = n
	case int:
		secs = float64(n)
	case int64:
		secs = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, ErrInvalidTimeout
		}
		secs = f
	default:
		return 0, ErrInvalidTimeout
	}

	if secs != math.Trunc(secs) || secs < MinTimeoutSeconds || secs > MaxTimeoutSeconds {
		return 0, ErrInvalidTimeout
	}
	return time.Duration(secs) * time.Second, nil
}
