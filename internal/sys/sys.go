// Package sys implements the syscall layer: argument marshalling out of the
// trap frame, the fourteen syscall implementations, and the mapping of
// internal errors onto the closed user-facing enumeration.
//
// ABI: number in a7, arguments in a0..a3; on return a0 holds the value and
// a1 the error code (zero on success).
package sys

import (
	"errors"

	"github.com/servos-os/servos/internal/abi"
	"github.com/servos-os/servos/internal/elfload"
	"github.com/servos-os/servos/internal/power"
	"github.com/servos-os/servos/internal/proc"
	"github.com/servos-os/servos/internal/riscv"
	"github.com/servos-os/servos/internal/vfs"
	"github.com/servos-os/servos/internal/vmm"
)

// Handler dispatches syscalls for one kernel instance.
type Handler struct {
	K     *proc.Kernel
	Power *power.Manager
}

// Install wires the handler into the kernel's trap dispatcher.
func (s *Handler) Install() {
	s.K.Syscall = s.Handle
}

// Handle services one ecall from user mode.
func (s *Handler) Handle(h proc.HartContext, p *proc.Process) {
	token := p.Lock()
	num := p.Frame.Reg(riscv.RegA7)
	a0 := p.Frame.Reg(riscv.RegA0)
	a1 := p.Frame.Reg(riscv.RegA1)
	a2 := p.Frame.Reg(riscv.RegA2)
	a3 := p.Frame.Reg(riscv.RegA3)
	p.Unlock(token)

	var val uint64
	var err error
	switch num {
	case abi.SysShutdown:
		val, err = s.sysShutdown(a0)
	case abi.SysKill:
		val, err = s.sysKill(a0)
	case abi.SysGetPid:
		val, err = s.sysGetPid(p)
	case abi.SysOpen:
		val, err = s.sysOpen(p, a0, a1, a2)
	case abi.SysClose:
		val, err = s.sysClose(p, a0)
	case abi.SysRead:
		val, err = s.sysRead(p, a0, a1, a2, a3)
	case abi.SysWrite:
		val, err = s.sysWrite(p, a0, a1, a2, a3)
	case abi.SysReaddir:
		val, err = s.sysReaddir(p, a0, a1, a2)
	case abi.SysChdir:
		val, err = s.sysChdir(p, a0, a1)
	case abi.SysSpawn:
		val, err = s.sysSpawn(p, a0, a1, a2, a3)
	case abi.SysStat:
		val, err = s.sysStat(p, a0, a1)
	case abi.SysSbrk:
		val, err = s.sysSbrk(p, int64(a0))
	case abi.SysWaitpid:
		val, err = s.sysWaitpid(p, a0)
	case abi.SysExit:
		val, err = s.sysExit(p, a0)
	default:
		err = abi.NoSys
	}

	token = p.Lock()
	if err != nil {
		p.Frame.SetReg(riscv.RegA0, 0)
		p.Frame.SetReg(riscv.RegA1, uint64(errno(err)))
	} else {
		p.Frame.SetReg(riscv.RegA0, val)
		p.Frame.SetReg(riscv.RegA1, 0)
	}
	p.Unlock(token)
}

// errno folds internal error values into the user-facing enumeration.
func errno(err error) abi.Errno {
	var e abi.Errno
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, vfs.ErrPathNotFound):
		return abi.PathNotFound
	case errors.Is(err, vfs.ErrNoMem), errors.Is(err, proc.ErrNoMem):
		return abi.NoMem
	case errors.Is(err, vfs.ErrReadOnly):
		return abi.ReadOnly
	case errors.Is(err, vfs.ErrInvalidOp):
		return abi.InvalidOp
	case errors.Is(err, vfs.ErrUnsupported):
		return abi.Unsupported
	case errors.Is(err, vfs.ErrCorruptedFs):
		return abi.CorruptedFs
	case errors.Is(err, vfs.ErrInvalidPerms):
		return abi.InvalidPerms
	case errors.Is(err, vfs.ErrEof):
		return abi.Eof
	case errors.Is(err, vmm.ErrBadVa):
		return abi.BadAddr
	case errors.Is(err, elfload.ErrBadImage), errors.Is(err, proc.ErrBadExec):
		return abi.BadArg
	case errors.Is(err, vfs.ErrMounted):
		return abi.InvalidOp
	default:
		return abi.InvalidOp
	}
}
