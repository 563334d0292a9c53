// Package klock provides the kernel's mutual-exclusion primitive: a spin
// lock whose acquisition first masks supervisor interrupts on the current
// hart. Masking before spinning means a timer or external IRQ can never
// preempt a critical section and re-enter the same lock on the same hart.
package klock

import (
	"runtime"
	"sync/atomic"
)

// The interrupt gate of the current hart. Bring-up installs closures bound
// to the per-hart sstatus.SIE model; the defaults make the package usable in
// plain host tests.
var (
	// DisableIrq masks interrupts on the current hart and returns whether
	// they were previously enabled.
	DisableIrq = func() bool { return false }
	// EnableIrq unmasks interrupts on the current hart.
	EnableIrq = func() {}
)

// IrqToken records the interrupt-enable state captured when a lock was
// taken. Releasing the token restores that state. The zero value releases to
// "disabled".
type IrqToken struct {
	wasEnabled bool
	released   bool
}

// Release re-enables interrupts if they were enabled when the token was
// taken. Releasing twice is a no-op.
func (t *IrqToken) Release() {
	if t.released {
		return
	}
	t.released = true
	if t.wasEnabled {
		EnableIrq()
	}
}

// WasEnabled reports the interrupt state captured at acquisition.
func (t *IrqToken) WasEnabled() bool { return t.wasEnabled }

// Forget discards the token without restoring the interrupt state. The
// caller takes over responsibility for re-enabling interrupts, e.g. through
// the sret at the end of the return-to-user path.
func (t *IrqToken) Forget() { t.released = true }

// A SpinLock is a test-and-set spin lock. The zero value is unlocked.
type SpinLock struct {
	locked atomic.Bool
}

// Lock masks interrupts on the current hart and spins until the lock is
// acquired. The returned token restores the interrupt state on Unlock.
func (l *SpinLock) Lock() IrqToken {
	token := IrqToken{wasEnabled: DisableIrq()}
	for !l.locked.CompareAndSwap(false, true) {
		for l.locked.Load() {
			runtime.Gosched()
		}
	}
	return token
}

// TryLock attempts to acquire the lock without spinning. On failure the
// interrupt state is restored immediately and ok is false.
func (l *SpinLock) TryLock() (IrqToken, bool) {
	token := IrqToken{wasEnabled: DisableIrq()}
	if !l.locked.CompareAndSwap(false, true) {
		token.Release()
		return IrqToken{}, false
	}
	return token, true
}

// Unlock releases the lock and restores the interrupt state captured by the
// matching Lock.
func (l *SpinLock) Unlock(token IrqToken) {
	l.locked.Store(false)
	token.Release()
}

// UnlockKeepToken releases the lock but leaves interrupts masked; the caller
// keeps the token and decides when the mask lifts. Used on the path into
// return-to-user so interrupts re-enable exactly at the sret.
func (l *SpinLock) UnlockKeepToken() {
	l.locked.Store(false)
}
