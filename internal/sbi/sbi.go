// Package sbi is the kernel's view of the Supervisor Binary Interface: the
// firmware calls the core depends on (timer, hart state management, system
// reset). On hardware these are ecalls into the SBI firmware; the embedder
// supplies the Client.
package sbi

import "errors"

// SBI error codes, per the SBI specification.
var (
	ErrFailed         = errors.New("sbi: failed")
	ErrNotSupported   = errors.New("sbi: not supported")
	ErrInvalidParam   = errors.New("sbi: invalid parameter")
	ErrDenied         = errors.New("sbi: denied")
	ErrInvalidAddress = errors.New("sbi: invalid address")
	ErrAlreadyAvail   = errors.New("sbi: already available")
)

// HartState is the HSM extension's hart state enumeration.
type HartState int

const (
	HartStarted HartState = iota
	HartStopped
	HartStartPending
	HartStopPending
)

// Reset types for SystemReset.
type ResetType uint32

const (
	ResetShutdown   ResetType = 0
	ResetColdReboot ResetType = 1
	ResetWarmReboot ResetType = 2
)

// Client is the SBI surface the kernel core uses.
type Client interface {
	// SetTimer programs the next timer interrupt for the calling hart.
	SetTimer(stime uint64) error
	// HartStart brings a stopped hart up at startAddr with opaque in a1.
	HartStart(hartid uint64, startAddr uint64, opaque uint64) error
	// HartGetStatus reports a hart's HSM state.
	HartGetStatus(hartid uint64) (HartState, error)
	// SystemReset shuts down or reboots the platform. On hardware a
	// successful reset does not return; a Client that does return reports
	// nil for an accepted request and an error otherwise.
	SystemReset(typ ResetType) error
}
