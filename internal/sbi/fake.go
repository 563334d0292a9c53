package sbi

import "github.com/servos-os/servos/internal/klock"

// Fake is an in-memory SBI implementation for tests and the reference
// machine: it records timer programming, models HSM hart states and reset
// requests.
type Fake struct {
	lock klock.SpinLock

	timers     map[uint64]uint64 // hartid -> stime
	states     map[uint64]HartState
	started    []uint64
	resetType  *ResetType
	activeHart func() uint64
}

// NewFake creates a fake with nharts, hart 0 started and the rest stopped.
// activeHart tells the fake which hart is calling; nil means hart 0.
func NewFake(nharts int, activeHart func() uint64) *Fake {
	f := &Fake{
		timers:     map[uint64]uint64{},
		states:     map[uint64]HartState{},
		activeHart: activeHart,
	}
	for i := 0; i < nharts; i++ {
		f.states[uint64(i)] = HartStopped
	}
	f.states[0] = HartStarted
	return f
}

func (f *Fake) caller() uint64 {
	if f.activeHart == nil {
		return 0
	}
	return f.activeHart()
}

func (f *Fake) SetTimer(stime uint64) error {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)
	f.timers[f.caller()] = stime
	return nil
}

// Timer returns the last value programmed by hartid.
func (f *Fake) Timer(hartid uint64) (uint64, bool) {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)
	t, ok := f.timers[hartid]
	return t, ok
}

func (f *Fake) HartStart(hartid uint64, _ uint64, _ uint64) error {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)

	state, ok := f.states[hartid]
	if !ok {
		return ErrInvalidParam
	}
	if state != HartStopped {
		return ErrAlreadyAvail
	}
	f.states[hartid] = HartStarted
	f.started = append(f.started, hartid)
	return nil
}

func (f *Fake) HartGetStatus(hartid uint64) (HartState, error) {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)

	state, ok := f.states[hartid]
	if !ok {
		return 0, ErrInvalidParam
	}
	return state, nil
}

// Started returns the harts brought up through HartStart, in order.
func (f *Fake) Started() []uint64 {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)
	return append([]uint64(nil), f.started...)
}

func (f *Fake) SystemReset(typ ResetType) error {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)
	f.resetType = &typ
	return nil
}

// ResetRequested reports whether SystemReset was called and with what type.
func (f *Fake) ResetRequested() (ResetType, bool) {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)
	if f.resetType == nil {
		return 0, false
	}
	return *f.resetType, true
}

var _ Client = (*Fake)(nil)
