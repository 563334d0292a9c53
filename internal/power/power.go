// Package power is the power manager: shutdown and reboot through SBI system
// reset, with an optional halt hook so an embedder can stop its run loop
// when the reset "succeeds" (on hardware a successful reset never returns).
package power

import (
	"log/slog"

	"github.com/servos-os/servos/internal/klock"
	"github.com/servos-os/servos/internal/sbi"
)

// Manager performs platform power transitions.
type Manager struct {
	lock   klock.SpinLock
	client sbi.Client
	halt   func()
}

// New creates a manager over client. halt, when non-nil, is invoked after a
// reset request the client accepted; it must stop the scheduler loops.
func New(client sbi.Client, halt func()) *Manager {
	return &Manager{client: client, halt: halt}
}

// Shutdown requests a platform power-off. When the client accepts the
// request, the halt hook runs and Shutdown returns nil; otherwise it returns
// the client's error.
func (m *Manager) Shutdown() error {
	return m.reset(sbi.ResetShutdown)
}

// Restart requests a cold reboot. When the client accepts the request, the
// halt hook runs and Restart returns nil; otherwise it returns the client's
// error.
func (m *Manager) Restart() error {
	return m.reset(sbi.ResetColdReboot)
}

func (m *Manager) reset(typ sbi.ResetType) error {
	token := m.lock.Lock()
	client, halt := m.client, m.halt
	m.lock.Unlock(token)

	if err := client.SystemReset(typ); err != nil {
		slog.Error("system reset failed", "type", typ, "err", err)
		return err
	}
	if halt != nil {
		halt()
	}
	return nil
}
