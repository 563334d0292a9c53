package plic

import "github.com/servos-os/servos/internal/klock"

// FakeRegs is a register-file double implementing the claim/complete
// behavior the controller exercises: claims pop the highest-priority pending
// enabled source above the context's threshold.
type FakeRegs struct {
	lock klock.SpinLock

	priority  [maxSources]uint32
	pending   [maxSources]bool
	enable    map[uint64]uint32
	threshold map[uint64]uint32
	claimed   map[uint64]uint32
}

// NewFakeRegs creates an empty register file.
func NewFakeRegs() *FakeRegs {
	return &FakeRegs{
		enable:    map[uint64]uint32{},
		threshold: map[uint64]uint32{},
		claimed:   map[uint64]uint32{},
	}
}

// Raise marks src pending, as a device would.
func (f *FakeRegs) Raise(src uint32) {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)
	f.pending[src] = true
}

// Pending reports whether src is still pending.
func (f *FakeRegs) Pending(src uint32) bool {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)
	return f.pending[src]
}

func (f *FakeRegs) ReadU32(offset uint64) uint32 {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)

	switch {
	case offset < enableBase:
		return f.priority[(offset-priorityBase)/4]
	case offset < thresholdsBase:
		return f.enable[offset]
	default:
		if (offset-thresholdsBase)%0x1000 == 4 {
			return f.claim(offset - 4)
		}
		return f.threshold[offset]
	}
}

func (f *FakeRegs) WriteU32(offset uint64, v uint32) {
	token := f.lock.Lock()
	defer f.lock.Unlock(token)

	switch {
	case offset < enableBase:
		f.priority[(offset-priorityBase)/4] = v
	case offset < thresholdsBase:
		f.enable[offset] = v
	default:
		if (offset-thresholdsBase)%0x1000 == 4 {
			// completion
			if f.claimed[offset-4] == v {
				delete(f.claimed, offset-4)
			}
			return
		}
		f.threshold[offset] = v
	}
}

// claim pops the best pending enabled source for the context whose threshold
// register lives at thresholdOff.
func (f *FakeRegs) claim(thresholdOff uint64) uint32 {
	hart := (thresholdOff - thresholdsBase - 0x1000) / 0x2000
	var best, bestPriority uint32
	for src := uint32(1); src < maxSources; src++ {
		if !f.pending[src] {
			continue
		}
		enOff := enableBase + uint64(src/32)*4 + sCtxOffset(int(hart), 0x80)
		if f.enable[enOff]&(1<<(src%32)) == 0 {
			continue
		}
		if f.priority[src] <= f.threshold[thresholdOff] {
			continue
		}
		if f.priority[src] > bestPriority {
			bestPriority = f.priority[src]
			best = src
		}
	}
	if best != 0 {
		f.pending[best] = false
		f.claimed[thresholdOff] = best
	}
	return best
}
