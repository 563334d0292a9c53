package sys

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/servos-os/servos/internal/abi"
	"github.com/servos-os/servos/internal/dev"
	"github.com/servos-os/servos/internal/elfload"
	"github.com/servos-os/servos/internal/fs/devfs"
	"github.com/servos-os/servos/internal/fs/initrd"
	"github.com/servos-os/servos/internal/hart"
	"github.com/servos-os/servos/internal/mem"
	"github.com/servos-os/servos/internal/plic"
	"github.com/servos-os/servos/internal/power"
	"github.com/servos-os/servos/internal/proc"
	"github.com/servos-os/servos/internal/riscv"
	"github.com/servos-os/servos/internal/sbi"
	"github.com/servos-os/servos/internal/trap"
	"github.com/servos-os/servos/internal/vfs"
	"github.com/servos-os/servos/internal/vmm"
)

const testEntry = 0x1_0000

func testELF() []byte {
	return elfload.Build(testEntry, []elfload.BuildSegment{
		{Vaddr: testEntry, Flags: elfload.PFR | elfload.PFX, Data: []byte("fake text"), Memsz: 0x1000},
	})
}

// scratch is a user VA inside the spawned process's stack, used as the
// buffer space syscall arguments point at. It stays far below the argv area
// at the stack top.
const scratch = trap.UserTrapFrame - 0x8_0000

type fixture struct {
	ram     *mem.RAM
	k       *proc.Kernel
	sbi     *sbi.Fake
	handler *Handler
	p       *proc.Process
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ram := mem.NewRAM(0x8000_0000, 2048*mem.PageSize)
	trampoline, _ := ram.AllocPage(true)
	kpt, err := vmm.NewPageTable(ram)
	if err != nil {
		t.Fatal(err)
	}
	if !trap.MapTrampoline(kpt, trampoline) {
		t.Fatal("map trampoline")
	}

	b := initrd.NewBuilder()
	if err := b.AddFile("/bin/init", testELF()); err != nil {
		t.Fatal(err)
	}
	if err := b.AddFile("/bin/echo", testELF()); err != nil {
		t.Fatal(err)
	}
	if err := b.AddFile("/hello.txt", []byte("world\n")); err != nil {
		t.Fatal(err)
	}
	rootfs, err := initrd.New(b.Build())
	if err != nil {
		t.Fatal(err)
	}
	devices := devfs.New()
	if err := devices.AddDevice(vfs.Path("zero"), dev.Zero{}); err != nil {
		t.Fatal(err)
	}
	if err := devices.AddDevice(vfs.Path("null"), dev.Null{}); err != nil {
		t.Fatal(err)
	}

	mounts := &vfs.Vfs{}
	if err := mounts.Mount(vfs.Path("/"), rootfs); err != nil {
		t.Fatal(err)
	}
	if err := mounts.Mount(vfs.Path("/dev"), devices); err != nil {
		t.Fatal(err)
	}

	fakeSbi := sbi.NewFake(1, nil)
	k := proc.NewKernel(slog.New(slog.NewTextHandler(io.Discard, nil)))
	k.RAM = ram
	k.Ksatp = kpt.MakeSatp()
	k.Trampoline = trampoline
	k.Vfs = mounts
	k.Sbi = fakeSbi
	k.Plic = plic.New(plic.NewFakeRegs(), 0)
	k.Console = dev.NewConsole(nil)

	handler := &Handler{K: k, Power: power.New(fakeSbi, k.Halt)}
	handler.Install()

	root, err := mounts.Open(vfs.Path("/"), 0)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := k.Spawn(vfs.Path("/bin/init"), root, nil)
	if err != nil {
		t.Fatal(err)
	}
	root.Close()

	return &fixture{
		ram:     ram,
		k:       k,
		sbi:     fakeSbi,
		handler: handler,
		p:       k.FindByPid(pid),
	}
}

// call performs one syscall on f.p as if it had trapped with these
// registers, returning (a0, a1).
func (f *fixture) call(t *testing.T, num uint64, args ...uint64) (uint64, uint64) {
	t.Helper()
	token := f.p.Lock()
	f.p.Frame.SetReg(riscv.RegA7, num)
	for i := riscv.RegA0; i <= riscv.RegA3; i++ {
		f.p.Frame.SetReg(i, 0)
	}
	for i, a := range args {
		f.p.Frame.SetReg(riscv.RegA0+i, a)
	}
	f.p.Unlock(token)

	f.handler.Handle(proc.HartContext{Hart: &hart.Hart{ID: 0}}, f.p)

	token = f.p.Lock()
	defer f.p.Unlock(token)
	return f.p.Frame.Reg(riscv.RegA0), f.p.Frame.Reg(riscv.RegA1)
}

// poke writes bytes into the process's address space at a user VA.
func (f *fixture) poke(t *testing.T, va vmm.VirtAddr, b []byte) {
	t.Helper()
	token := f.p.Lock()
	defer f.p.Unlock(token)
	if err := vmm.UserBytes(va).WriteBytes(f.p.PageTable, b, vmm.PteU|vmm.PteW); err != nil {
		t.Fatalf("poke at %v: %v", va, err)
	}
}

// peek reads bytes back out.
func (f *fixture) peek(t *testing.T, va vmm.VirtAddr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	token := f.p.Lock()
	defer f.p.Unlock(token)
	if err := vmm.UserBytes(va).ReadBytes(f.p.PageTable, buf); err != nil {
		t.Fatalf("peek at %v: %v", va, err)
	}
	return buf
}

func (f *fixture) open(t *testing.T, path string, flags uint64) uint64 {
	t.Helper()
	f.poke(t, scratch, []byte(path))
	fd, e := f.call(t, abi.SysOpen, uint64(scratch), uint64(len(path)), flags)
	if e != 0 {
		t.Fatalf("open %q: errno %d", path, e)
	}
	return fd
}

func TestGetPid(t *testing.T) {
	f := newFixture(t)
	pid, e := f.call(t, abi.SysGetPid)
	if e != 0 || pid != 0 {
		t.Fatalf("getpid = %d, %d", pid, e)
	}
}

func TestNoSys(t *testing.T) {
	f := newFixture(t)
	if _, e := f.call(t, 999); e != uint64(abi.NoSys) {
		t.Fatalf("errno = %d, want NoSys", e)
	}
}

// Initrd end to end: open, read with explicit positions, EOF.
func TestInitrdReadScenario(t *testing.T) {
	f := newFixture(t)

	fd := f.open(t, "/hello.txt", 0)
	if fd != 0 {
		t.Fatalf("first fd = %d, want 0", fd)
	}

	bufVa := scratch + 0x1000
	n, e := f.call(t, abi.SysRead, fd, 0, uint64(bufVa), 6)
	if e != 0 || n != 6 {
		t.Fatalf("read = %d, errno %d", n, e)
	}
	if got := f.peek(t, bufVa, 6); string(got) != "world\n" {
		t.Fatalf("buf = %q", got)
	}

	if _, e := f.call(t, abi.SysRead, fd, 6, uint64(bufVa), 6); e != uint64(abi.Eof) {
		t.Fatalf("read at EOF: errno = %d, want Eof", e)
	}
}

// Fd cursor end to end: close resets, sentinel reads advance.
func TestFdCursorScenario(t *testing.T) {
	f := newFixture(t)

	fd := f.open(t, "/hello.txt", 0)
	if _, e := f.call(t, abi.SysRead, fd, abi.PosCursor, uint64(scratch+0x1000), 3); e != 0 {
		t.Fatalf("cursor read: errno %d", e)
	}
	if _, e := f.call(t, abi.SysClose, fd); e != 0 {
		t.Fatalf("close: errno %d", e)
	}

	// Reopening yields a fresh cursor in the same slot.
	fd2 := f.open(t, "/hello.txt", 0)
	if fd2 != fd {
		t.Fatalf("reopened fd = %d, want slot %d", fd2, fd)
	}

	bufVa := uint64(scratch + 0x1000)
	n, e := f.call(t, abi.SysRead, fd2, abi.PosCursor, bufVa, 4)
	if e != 0 || n != 4 {
		t.Fatalf("read 1 = %d, errno %d", n, e)
	}
	if got := f.peek(t, vmm.VirtAddr(bufVa), 4); string(got) != "worl" {
		t.Fatalf("chunk 1 = %q", got)
	}

	n, e = f.call(t, abi.SysRead, fd2, abi.PosCursor, bufVa, 4)
	if e != 0 || n != 2 {
		t.Fatalf("read 2 = %d, errno %d", n, e)
	}
	if got := f.peek(t, vmm.VirtAddr(bufVa), 2); string(got) != "d\n" {
		t.Fatalf("chunk 2 = %q", got)
	}

	if _, e := f.call(t, abi.SysRead, fd2, abi.PosCursor, bufVa, 4); e != uint64(abi.Eof) {
		t.Fatalf("read 3: errno = %d, want Eof", e)
	}
}

func TestBadFdAndBadAddr(t *testing.T) {
	f := newFixture(t)

	if _, e := f.call(t, abi.SysRead, 31, 0, uint64(scratch), 1); e != uint64(abi.BadFd) {
		t.Fatalf("bad fd: errno %d", e)
	}
	if _, e := f.call(t, abi.SysClose, 5); e != uint64(abi.BadFd) {
		t.Fatalf("bad close: errno %d", e)
	}

	fd := f.open(t, "/hello.txt", 0)
	// An unmapped buffer faults with BadAddr.
	if _, e := f.call(t, abi.SysRead, fd, 0, 0x10, 4); e != uint64(abi.BadAddr) {
		t.Fatalf("unmapped buffer: errno = %d, want BadAddr", e)
	}
	// So does a path pointer outside the mapping.
	if _, e := f.call(t, abi.SysOpen, 0x10, 4, 0); e != uint64(abi.BadAddr) {
		t.Fatalf("bad path ptr: errno = %d, want BadAddr", e)
	}
}

func TestWriteRules(t *testing.T) {
	f := newFixture(t)

	// Initrd files are read-only.
	fd := f.open(t, "/hello.txt", 0)
	f.poke(t, scratch+0x1000, []byte("x"))
	if _, e := f.call(t, abi.SysWrite, fd, 0, uint64(scratch+0x1000), 1); e != uint64(abi.ReadOnly) {
		t.Fatalf("readonly write: errno = %d, want ReadOnly", e)
	}

	// Directories reject reads and writes outright.
	dirfd := f.open(t, "/", 0)
	if _, e := f.call(t, abi.SysRead, dirfd, 0, uint64(scratch+0x1000), 1); e != uint64(abi.InvalidOp) {
		t.Fatalf("dir read: errno = %d, want InvalidOp", e)
	}

	// The zero device reads zeroes and rejects writes.
	zfd := f.open(t, "/dev/zero", uint64(abi.OpenReadWrite))
	f.poke(t, scratch+0x1000, []byte{0xff, 0xff})
	if n, e := f.call(t, abi.SysRead, zfd, 0, uint64(scratch+0x1000), 2); e != 0 || n != 2 {
		t.Fatalf("zero read: %d, errno %d", n, e)
	}
	if got := f.peek(t, scratch+0x1000, 2); got[0] != 0 || got[1] != 0 {
		t.Fatalf("zero read content %v", got)
	}
	if _, e := f.call(t, abi.SysWrite, zfd, 0, uint64(scratch+0x1000), 1); e != uint64(abi.InvalidOp) {
		t.Fatalf("zero write: errno = %d, want InvalidOp", e)
	}
}

func TestReaddirSyscall(t *testing.T) {
	f := newFixture(t)
	fd := f.open(t, "/", 0)

	entVa := scratch + 0x2000
	var names []string
	for i := uint64(0); ; i++ {
		r, e := f.call(t, abi.SysReaddir, fd, i, uint64(entVa))
		if e != 0 {
			t.Fatalf("readdir: errno %d", e)
		}
		if r == 0 {
			break
		}
		var ent abi.DirEntry
		ent.Decode(f.peek(t, entVa, abi.DirEntrySize))
		names = append(names, string(ent.NameBytes()))
	}
	if len(names) != 2 { // bin, hello.txt
		t.Fatalf("names = %v", names)
	}

	// The internal cursor variant walks the same entries.
	r, e := f.call(t, abi.SysReaddir, fd, abi.IndexCursor, uint64(entVa))
	if e != 0 || r != 1 {
		t.Fatalf("cursor readdir: %d, errno %d", r, e)
	}
}

func TestChdirScenario(t *testing.T) {
	f := newFixture(t)

	// chdir to a file fails.
	f.poke(t, scratch, []byte("/hello.txt"))
	if _, e := f.call(t, abi.SysChdir, uint64(scratch), 10); e != uint64(abi.BadArg) {
		t.Fatalf("chdir to file: errno = %d, want BadArg", e)
	}

	f.poke(t, scratch, []byte("/bin"))
	if _, e := f.call(t, abi.SysChdir, uint64(scratch), 4); e != 0 {
		t.Fatalf("chdir: errno %d", e)
	}

	// A relative open now resolves inside /bin.
	fd := f.open(t, "echo", 0)
	statVa := scratch + 0x3000
	if _, e := f.call(t, abi.SysStat, fd, uint64(statVa)); e != 0 {
		t.Fatalf("stat: errno %d", e)
	}
	var st abi.Stat
	st.Decode(f.peek(t, statVa, abi.StatSize))
	if st.Directory || st.Size == 0 {
		t.Fatalf("stat of echo: %+v", st)
	}
}

func TestStatSyscall(t *testing.T) {
	f := newFixture(t)
	fd := f.open(t, "/hello.txt", 0)

	statVa := scratch + 0x3000
	if _, e := f.call(t, abi.SysStat, fd, uint64(statVa)); e != 0 {
		t.Fatalf("stat: errno %d", e)
	}
	var st abi.Stat
	st.Decode(f.peek(t, statVa, abi.StatSize))
	if st.Size != 6 || !st.ReadOnly || st.Directory {
		t.Fatalf("stat = %+v", st)
	}
}

// Sbrk growth scenario: return previous break, page-granular mapping.
func TestSbrkScenario(t *testing.T) {
	f := newFixture(t)

	base, e := f.call(t, abi.SysSbrk, 0)
	if e != 0 {
		t.Fatalf("sbrk(0): errno %d", e)
	}
	if base != testEntry+0x1000 {
		t.Fatalf("initial brk = %#x", base)
	}

	prev, e := f.call(t, abi.SysSbrk, 10)
	if e != 0 || prev != base {
		t.Fatalf("sbrk(10) = %#x, errno %d; want %#x", prev, e, base)
	}

	// The new page is mapped and zeroed: a byte read succeeds.
	token := f.p.Lock()
	_, err := f.p.PageTable.ToPhys(vmm.VirtAddr(base+5), vmm.PteU|vmm.PteR)
	f.p.Unlock(token)
	if err != nil {
		t.Fatalf("brk+5 not mapped after growth: %v", err)
	}

	prev, e = f.call(t, abi.SysSbrk, negU64(10))
	if e != 0 || prev != base+10 {
		t.Fatalf("sbrk(-10) = %#x, errno %d; want %#x", prev, e, base+10)
	}
	token = f.p.Lock()
	_, err = f.p.PageTable.ToPhys(vmm.VirtAddr(base+5), vmm.PteU|vmm.PteR)
	f.p.Unlock(token)
	if err == nil {
		t.Fatal("brk+5 still mapped after shrink")
	}
}

func negU64(n int64) uint64 { return uint64(-n) }

// Spawn through the syscall, argv marshalled as KStrings.
func TestSpawnSyscall(t *testing.T) {
	f := newFixture(t)

	path := []byte("/bin/echo")
	arg0 := []byte("hello")
	f.poke(t, scratch, path)
	f.poke(t, scratch+0x100, arg0)

	ks := abi.KString{Ptr: uint64(scratch + 0x100), Len: uint64(len(arg0))}
	ksBuf := make([]byte, abi.KStringSize)
	ks.Encode(ksBuf)
	f.poke(t, scratch+0x200, ksBuf)

	pid, e := f.call(t, abi.SysSpawn, uint64(scratch), uint64(len(path)), uint64(scratch+0x200), 1)
	if e != 0 {
		t.Fatalf("spawn: errno %d", e)
	}
	child := f.k.FindByPid(uint32(pid))
	if child == nil {
		t.Fatal("child not found")
	}
	if got := child.Frame.Reg(riscv.RegA0); got != 2 {
		t.Fatalf("child A0 = %d, want 2", got)
	}

	// The child's argv[1] is the marshalled argument.
	argv := child.Frame.Reg(riscv.RegA1)
	words := make([]byte, 16)
	if err := vmm.UserBytes(vmm.VirtAddr(argv)).ReadBytes(child.PageTable, words); err != nil {
		t.Fatal(err)
	}
	a1 := binary.LittleEndian.Uint64(words[8:])
	got := make([]byte, len(arg0))
	if err := vmm.UserBytes(vmm.VirtAddr(a1)).ReadBytes(child.PageTable, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("child argv[1] = %q", got)
	}
}

func TestWaitpidSyscall(t *testing.T) {
	f := newFixture(t)

	// Waiting on yourself is an error.
	if _, e := f.call(t, abi.SysWaitpid, 0); e != uint64(abi.BadArg) {
		t.Fatalf("self wait: errno = %d, want BadArg", e)
	}

	// Waiting on a dead pid succeeds without parking.
	if _, e := f.call(t, abi.SysWaitpid, 12345); e != 0 {
		t.Fatalf("dead wait: errno %d", e)
	}
	if f.p.Status == proc.Waiting {
		t.Fatal("parked on a nonexistent pid")
	}

	f.poke(t, scratch, []byte("/bin/echo"))
	pid, e := f.call(t, abi.SysSpawn, uint64(scratch), 9, 0, 0)
	if e != 0 {
		t.Fatalf("spawn: errno %d", e)
	}

	if _, e := f.call(t, abi.SysWaitpid, pid); e != 0 {
		t.Fatalf("waitpid: errno %d", e)
	}
	if f.p.Status != proc.Waiting || f.p.WaitPid != uint32(pid) {
		t.Fatalf("status = %v wait %d", f.p.Status, f.p.WaitPid)
	}

	// The child exits; the destroy path flips the waiter back with the
	// exit code in A0.
	child := f.k.FindByPid(uint32(pid))
	token := child.Lock()
	f.k.Destroy(child, 42)
	token.Release()

	if f.p.Status != proc.Idle {
		t.Fatalf("status after wake = %v, want Idle", f.p.Status)
	}
	if a0 := f.p.Frame.Reg(riscv.RegA0); a0 != 42 {
		t.Fatalf("A0 after wake = %d, want 42", a0)
	}
}

func TestKillSyscall(t *testing.T) {
	f := newFixture(t)

	if _, e := f.call(t, abi.SysKill, 0); e != uint64(abi.BadArg) {
		t.Fatalf("kill 0: errno = %d, want BadArg", e)
	}
	if _, e := f.call(t, abi.SysKill, 4242); e != uint64(abi.NotFound) {
		t.Fatalf("kill missing: errno = %d, want NotFound", e)
	}

	f.poke(t, scratch, []byte("/bin/echo"))
	pid, _ := f.call(t, abi.SysSpawn, uint64(scratch), 9, 0, 0)
	if _, e := f.call(t, abi.SysKill, pid); e != 0 {
		t.Fatalf("kill: errno %d", e)
	}
	child := f.k.FindByPid(uint32(pid))
	if child.Killed == nil {
		t.Fatal("child not stamped killed")
	}
}

func TestExitSyscall(t *testing.T) {
	f := newFixture(t)
	if _, e := f.call(t, abi.SysExit, 7); e != 0 {
		t.Fatalf("exit: errno %d", e)
	}
	if f.p.Killed == nil || *f.p.Killed != 7 {
		t.Fatalf("killed = %v, want 7", f.p.Killed)
	}
}

func TestShutdownSyscall(t *testing.T) {
	f := newFixture(t)

	if _, e := f.call(t, abi.SysShutdown, 2); e != uint64(abi.BadArg) {
		t.Fatalf("bad type: errno = %d, want BadArg", e)
	}

	if _, e := f.call(t, abi.SysShutdown, 0); e != 0 {
		t.Fatalf("shutdown: errno %d", e)
	}
	if typ, ok := f.sbi.ResetRequested(); !ok || typ != sbi.ResetShutdown {
		t.Fatalf("reset = %v, %v", typ, ok)
	}
	if !f.k.Halted() {
		t.Fatal("kernel not halted after shutdown")
	}
}

func TestOpenFdExhaustion(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < proc.MaxFiles; i++ {
		if fd := f.open(t, "/hello.txt", 0); fd != uint64(i) {
			t.Fatalf("fd %d allocated as %d", i, fd)
		}
	}
	f.poke(t, scratch, []byte("/hello.txt"))
	if _, e := f.call(t, abi.SysOpen, uint64(scratch), 10, 0); e != uint64(abi.NoMem) {
		t.Fatalf("exhausted fds: errno = %d, want NoMem", e)
	}
}
