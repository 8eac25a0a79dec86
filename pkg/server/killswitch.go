package server

import "sync"

// KillSwitch is the global tool-call circuit breaker. Armed, it turns
// POST /tools/call into an immediate 503; chat and admin traffic keep
// flowing so an operator can investigate and disarm.
type KillSwitch struct {
	mu     sync.Mutex
	active bool
	reason string
}

func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Set arms or disarms the switch. Disarming clears the reason.
func (k *KillSwitch) Set(active bool, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active = active
	if !active {
		reason = ""
	}
	k.reason = reason
}

// State reports the flag and the operator-supplied reason.
func (k *KillSwitch) State() (bool, string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active, k.reason
}
