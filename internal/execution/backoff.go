package execution

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Backoff returns base*factor^attempt capped at max. attempt is zero-based.
func Backoff(attempt int, base, max time.Duration, factor float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(factor, float64(attempt))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// jitter returns a uniform duration in [0, max).
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// MaxClientOrderIDLen is the longest client order id the exchange accepts.
const MaxClientOrderIDLen = 36

// NewClientOrderID builds the idempotency key side-symbol-millis-random,
// optionally prefixed. The prefix is dropped, then the symbol shortened, if
// the key would be too long.
func NewClientOrderID(prefix, side, symbol string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	side = strings.ToLower(side)
	key := fmt.Sprintf("%s-%s-%d-%s", side, symbol, now.UnixMilli(), random)
	if prefix != "" && len(prefix)+1+len(key) <= MaxClientOrderIDLen {
		return prefix + "-" + key
	}
	if over := len(key) - MaxClientOrderIDLen; over > 0 && over < len(symbol) {
		key = fmt.Sprintf("%s-%s-%d-%s", side, symbol[:len(symbol)-over], now.UnixMilli(), random)
	}
	return key
}
