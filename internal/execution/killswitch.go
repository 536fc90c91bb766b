package execution

import (
	"log/slog"
	"sync/atomic"

	"github.com/atmx/exec-engine/internal/metrics"
)

// KillSwitch blocks live order placement. It is checked before every live
// network attempt and can be flipped at runtime from the admin API.
type KillSwitch struct {
	engaged atomic.Bool
}

// NewKillSwitch returns a switch in the given state.
func NewKillSwitch(engaged bool) *KillSwitch {
	k := &KillSwitch{}
	k.Set(engaged)
	return k
}

// Set engages or releases the switch.
func (k *KillSwitch) Set(engaged bool) {
	if k.engaged.Swap(engaged) != engaged {
		slog.Warn("kill switch changed", "engaged", engaged)
	}
	if engaged {
		metrics.KillSwitch.Set(1)
	} else {
		metrics.KillSwitch.Set(0)
	}
}

// Engaged reports the current state. A nil switch is never engaged.
func (k *KillSwitch) Engaged() bool {
	return k != nil && k.engaged.Load()
}
