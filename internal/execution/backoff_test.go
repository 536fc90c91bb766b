package execution_test

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/atmx/exec-engine/internal/execution"
)

func TestBackoff(t *testing.T) {
	base, max := 500*time.Millisecond, 2*time.Second
	want := []time.Duration{
		500 * time.Millisecond,
		750 * time.Millisecond,
		1125 * time.Millisecond,
		1687500 * time.Microsecond,
		2 * time.Second, // capped
		2 * time.Second,
	}
	for attempt, w := range want {
		if got := execution.Backoff(attempt, base, max, 1.5); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoff_NoCap(t *testing.T) {
	if got := execution.Backoff(3, time.Second, 0, 2); got != 8*time.Second {
		t.Errorf("got %v, want 8s", got)
	}
}

var keyRegex = regexp.MustCompile(`^buy-BTCUSDT-1740830400000-[0-9a-f]{6}$`)

func TestNewClientOrderID(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	a := execution.NewClientOrderID("", "BUY", "BTCUSDT", now)
	if !keyRegex.MatchString(a) {
		t.Errorf("key %q does not match side-symbol-millis-random", a)
	}
	b := execution.NewClientOrderID("", "BUY", "BTCUSDT", now)
	if a == b {
		t.Error("two intents at the same instant must get different keys")
	}
}

func TestNewClientOrderID_Prefix(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	k := execution.NewClientOrderID("ex", "SELL", "ETHUSDT", now)
	if !strings.HasPrefix(k, "ex-sell-ETHUSDT-") {
		t.Errorf("key %q missing prefix", k)
	}

	long := execution.NewClientOrderID("verylongprefix", "SELL", "1000SATSFDUSD", now)
	if len(long) > execution.MaxClientOrderIDLen {
		t.Errorf("key %q exceeds %d chars", long, execution.MaxClientOrderIDLen)
	}
	if strings.HasPrefix(long, "verylongprefix") {
		t.Errorf("prefix should be dropped when the key would be too long: %q", long)
	}
}
