// Package servos is a small multi-hart RISC-V (Sv39) supervisor-mode kernel:
// virtual memory, a cooperative trap/scheduler loop, and a VFS over an
// in-memory initrd and character devices.
//
// The package wires the subsystems together the way the boot path does on
// hardware: build the kernel page table, mount the filesystems, spawn init,
// start the secondary harts through SBI, and enter the per-hart scheduler
// loop. The hardware-facing edges (user-mode execution, UART receive, PLIC
// registers, SBI firmware) are supplied through Config by the embedder.
package servos

import (
	"errors"
	"io"
	"log/slog"

	"github.com/servos-os/servos/internal/dev"
	"github.com/servos-os/servos/internal/fs/devfs"
	"github.com/servos-os/servos/internal/fs/initrd"
	"github.com/servos-os/servos/internal/hart"
	"github.com/servos-os/servos/internal/klock"
	"github.com/servos-os/servos/internal/mem"
	"github.com/servos-os/servos/internal/plic"
	"github.com/servos-os/servos/internal/power"
	"github.com/servos-os/servos/internal/proc"
	"github.com/servos-os/servos/internal/sbi"
	"github.com/servos-os/servos/internal/sys"
	"github.com/servos-os/servos/internal/trap"
	"github.com/servos-os/servos/internal/vfs"
	"github.com/servos-os/servos/internal/vmm"
)

// RAMBase is where physical memory conventionally starts on virt-style
// RISC-V boards.
const RAMBase mem.PhysAddr = 0x8000_0000

// InitPath is the program spawned as PID 0.
const InitPath = "/bin/init"

// Config describes the platform the kernel boots on.
type Config struct {
	// RAMSize is the physical memory size in bytes (page-aligned).
	RAMSize uint64
	// Initrd is the boot filesystem image, mounted read-only at /.
	Initrd []byte
	// NumHarts is how many harts the platform has; hart 0 boots first and
	// the rest are started through SBI HSM.
	NumHarts int

	// ConsoleOut receives console device writes (the UART transmit side).
	// Nil discards output.
	ConsoleOut io.Writer
	// UartRx pops one received byte; wired to the external-interrupt path.
	UartRx func() (byte, bool)
	// UartIrq is the PLIC source of the UART, zero when there is none.
	UartIrq uint32

	// SBI is the firmware interface; nil gets an in-memory fake.
	SBI sbi.Client
	// PlicRegs is the PLIC register file; nil gets an in-memory fake.
	PlicRegs plic.Regs

	// Run executes user mode on a hart until the next trap. Installed on
	// every hart; required before any process can run.
	Run func(h *hart.Hart)

	// Log receives kernel diagnostics; nil means slog.Default.
	Log *slog.Logger
}

// Kernel is a booted kernel instance.
type Kernel struct {
	cfg   Config
	ram   *mem.RAM
	kpt   *vmm.PageTable
	procs *proc.Kernel
	vfs   *vfs.Vfs
	power *power.Manager
	harts []*hart.Hart
	log   *slog.Logger
}

// New builds a kernel: physical memory, the kernel page table with the
// trampoline mapped, mounted filesystems and devices, and the trap/syscall
// plumbing. No process exists yet; Boot spawns init.
func New(cfg Config) (*Kernel, error) {
	if cfg.RAMSize == 0 || cfg.NumHarts <= 0 {
		return nil, errors.New("servos: config needs RAM and at least one hart")
	}
	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}

	ram := mem.NewRAM(RAMBase, cfg.RAMSize)

	// The trampoline page holds the trap vector code on hardware; here it
	// just needs to exist so both address spaces can map it.
	trampoline, ok := ram.AllocPage(true)
	if !ok {
		return nil, errors.New("servos: RAM too small")
	}

	kpt, err := vmm.NewPageTable(ram)
	if err != nil {
		return nil, err
	}
	// Identity map all of RAM for the kernel, plus the trampoline at its
	// shared virtual address.
	if !kpt.MapIdentity(ram.Base(), ram.End(), vmm.PteRw) ||
		!trap.MapTrampoline(kpt, trampoline) {
		return nil, errors.New("servos: kernel page table construction failed")
	}

	sbiClient := cfg.SBI
	if sbiClient == nil {
		sbiClient = sbi.NewFake(cfg.NumHarts, nil)
	}
	plicRegs := cfg.PlicRegs
	if plicRegs == nil {
		plicRegs = plic.NewFakeRegs()
	}
	plicCtl := plic.New(plicRegs, cfg.UartIrq)

	cons := dev.NewConsole(cfg.ConsoleOut)

	rootfs, err := initrd.New(cfg.Initrd)
	if err != nil {
		return nil, err
	}
	devices := devfs.New()
	if cfg.UartIrq != 0 || cfg.ConsoleOut != nil || cfg.UartRx != nil {
		if err := devices.AddDevice(vfs.Path("uart0"), cons); err != nil {
			return nil, err
		}
	}
	if err := devices.AddDevice(vfs.Path("zero"), dev.Zero{}); err != nil {
		return nil, err
	}
	if err := devices.AddDevice(vfs.Path("null"), dev.Null{}); err != nil {
		return nil, err
	}

	mounts := &vfs.Vfs{}
	if err := mounts.Mount(vfs.Path("/"), rootfs); err != nil {
		return nil, err
	}
	if err := mounts.Mount(vfs.Path("/dev"), devices); err != nil {
		return nil, err
	}

	procs := proc.NewKernel(logger)
	procs.RAM = ram
	procs.Ksatp = kpt.MakeSatp()
	procs.Trampoline = trampoline
	procs.Vfs = mounts
	procs.Sbi = sbiClient
	procs.Plic = plicCtl
	procs.Console = cons
	procs.UartRx = cfg.UartRx

	pm := power.New(sbiClient, procs.Halt)
	(&sys.Handler{K: procs, Power: pm}).Install()

	k := &Kernel{
		cfg:   cfg,
		ram:   ram,
		kpt:   kpt,
		procs: procs,
		vfs:   mounts,
		power: pm,
		log:   logger,
	}

	for i := 0; i < cfg.NumHarts; i++ {
		h := &hart.Hart{
			ID:       i,
			StackTop: uint64(proc.HartStackTop(i)),
			Satp:     procs.Ksatp,
			Run:      cfg.Run,
		}
		k.harts = append(k.harts, h)
	}

	// The spin locks' interrupt discipline follows whichever hart is
	// executing kernel code.
	hart.SetLocal(k.harts[0])
	klock.DisableIrq = func() bool { return hart.Local().DisableInterrupts() }
	klock.EnableIrq = func() { hart.Local().EnableInterrupts() }

	return k, nil
}

// Procs exposes the process subsystem.
func (k *Kernel) Procs() *proc.Kernel { return k.procs }

// Vfs exposes the mount table.
func (k *Kernel) Vfs() *vfs.Vfs { return k.vfs }

// RAM exposes physical memory.
func (k *Kernel) RAM() *mem.RAM { return k.ram }

// Hart returns the hart with the given id.
func (k *Kernel) Hart(id int) *hart.Hart { return k.harts[id] }

// Boot runs the boot-hart path: enable PLIC delivery, install the trap
// vector, spawn init with / as its working directory, start the remaining
// harts through SBI HSM, and enter the scheduler loop. It returns when the
// kernel halts.
func (k *Kernel) Boot() error {
	root, err := k.vfs.Open(vfs.Path("/"), 0)
	if err != nil {
		return err
	}
	if _, err := k.procs.Spawn(vfs.Path(InitPath), root, nil); err != nil {
		root.Close()
		return err
	}
	root.Close()

	for i := 1; i < len(k.harts); i++ {
		state, err := k.procs.Sbi.HartGetStatus(uint64(i))
		if err != nil || state != sbi.HartStopped {
			continue
		}
		if err := k.procs.Sbi.HartStart(uint64(i), uint64(trap.UserTrapVec), k.procs.Ksatp); err != nil {
			k.log.Error("failed to start hart", "hart", i, "err", err)
		}
	}

	k.BootHart(0)
	return nil
}

// BootHart runs one hart's kinithart path: PLIC threshold and UART enable,
// trap installation, then the scheduler loop. Secondary harts call this from
// their SBI start trampoline.
func (k *Kernel) BootHart(id int) {
	h := k.harts[id]
	hart.SetLocal(h)

	k.procs.Plic.SetHartThreshold(id, 0)
	if irq := k.procs.Plic.Uart0(); irq != 0 {
		k.procs.Plic.SetPriority(irq, 1)
		k.procs.Plic.HartEnable(id, irq)
	}

	trap.HartInstall(h, k.procs.Sbi.SetTimer)
	k.procs.YieldHart(h)
}
