package sys

import (
	"github.com/servos-os/servos/internal/abi"
	"github.com/servos-os/servos/internal/mem"
	"github.com/servos-os/servos/internal/proc"
	"github.com/servos-os/servos/internal/vfs"
	"github.com/servos-os/servos/internal/vmm"
)

// void shutdown(uint typ); 0 = power off, 1 = reboot
func (s *Handler) sysShutdown(typ uint64) (uint64, error) {
	switch typ {
	case 0:
		return 0, s.Power.Shutdown()
	case 1:
		return 0, s.Power.Restart()
	default:
		return 0, abi.BadArg
	}
}

// void kill(u32 pid);
func (s *Handler) sysKill(pid uint64) (uint64, error) {
	if pid == 0 || pid > uint64(^uint32(0)) {
		return 0, abi.BadArg
	}
	if !s.K.Kill(uint32(pid)) {
		return 0, abi.NotFound
	}
	return 0, nil
}

// u32 getpid(void);
func (s *Handler) sysGetPid(p *proc.Process) (uint64, error) {
	token := p.Lock()
	defer p.Unlock(token)
	return uint64(p.Pid), nil
}

// readPath copies a user path into kernel memory.
func readPath(p *proc.Process, ptr, length uint64) (vfs.Path, error) {
	buf := make([]byte, length)
	token := p.Lock()
	err := vmm.UserBytes(vmm.VirtAddr(ptr)).ReadBytes(p.PageTable, buf)
	p.Unlock(token)
	if err != nil {
		return nil, err
	}
	return vfs.Path(buf), nil
}

// uint open(const u8 *path, uint pathlen, u32 flags);
func (s *Handler) sysOpen(p *proc.Process, pathPtr, pathLen, flags uint64) (uint64, error) {
	path, err := readPath(p, pathPtr, pathLen)
	if err != nil {
		return 0, err
	}

	token := p.Lock()
	cwd := p.Cwd
	p.Unlock(token)

	fd, err := s.K.Vfs.OpenInCwd(cwd, path, abi.OpenFlags(flags))
	if err != nil {
		return 0, err
	}

	token = p.Lock()
	slot, ok := p.AllocFd(fd)
	p.Unlock(token)
	if !ok {
		fd.Close()
		return 0, abi.NoMem
	}
	return uint64(slot), nil
}

// void close(uint fd);
func (s *Handler) sysClose(p *proc.Process, fdno uint64) (uint64, error) {
	token := p.Lock()
	fd := p.RemoveFd(fdno)
	p.Unlock(token)
	if fd == nil {
		return 0, abi.BadFd
	}
	fd.Close()
	return 0, nil
}

// rwVa streams between a descriptor and user memory one page chunk at a
// time, so each user page is translated once. A short transfer from the
// descriptor ends the loop.
func rwVa(p *proc.Process, pos uint64, buf vmm.VirtAddr, length uint64, perms vmm.Pte,
	f func(pos uint64, chunk []byte) (int, error)) (uint64, error) {

	token := p.Lock()
	it := p.PageTable.IterPhys(buf, length, perms)
	p.Unlock(token)

	var total uint64
	for {
		chunk, err := it.Next()
		if err != nil {
			return 0, err
		}
		if chunk == nil {
			return total, nil
		}

		n, err := f(pos, chunk)
		if err != nil {
			return 0, err
		}
		total += uint64(n)
		if n < len(chunk) {
			return total, nil
		}
		if pos != abi.PosCursor {
			pos += uint64(n)
		}
	}
}

// uint read(uint fd, u64 pos, u8 *buf, uint buflen);
func (s *Handler) sysRead(p *proc.Process, fdno, pos, bufPtr, bufLen uint64) (uint64, error) {
	token := p.Lock()
	fd := p.Fd(fdno)
	p.Unlock(token)
	if fd == nil {
		return 0, abi.BadFd
	}
	// The destination pages need U|W: the kernel is about to store there.
	return rwVa(p, pos, vmm.VirtAddr(bufPtr), bufLen, vmm.PteU|vmm.PteW, fd.Read)
}

// uint write(uint fd, u64 pos, const u8 *buf, uint buflen);
func (s *Handler) sysWrite(p *proc.Process, fdno, pos, bufPtr, bufLen uint64) (uint64, error) {
	token := p.Lock()
	fd := p.Fd(fdno)
	p.Unlock(token)
	if fd == nil {
		return 0, abi.BadFd
	}
	return rwVa(p, pos, vmm.VirtAddr(bufPtr), bufLen, vmm.PteU|vmm.PteR, fd.Write)
}

// bool readdir(uint fd, uint index, struct DirEntry *entry);
func (s *Handler) sysReaddir(p *proc.Process, fdno, index, entryPtr uint64) (uint64, error) {
	token := p.Lock()
	fd := p.Fd(fdno)
	p.Unlock(token)
	if fd == nil {
		return 0, abi.BadFd
	}

	ent, err := fd.Readdir(index)
	if err != nil {
		return 0, err
	}
	if ent == nil {
		return 0, nil
	}

	token = p.Lock()
	err = vmm.UserOf(vmm.VirtAddr(entryPtr), ent).WriteObject(p.PageTable, ent)
	p.Unlock(token)
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// void chdir(const u8 *path, uint len);
func (s *Handler) sysChdir(p *proc.Process, pathPtr, pathLen uint64) (uint64, error) {
	path, err := readPath(p, pathPtr, pathLen)
	if err != nil {
		return 0, err
	}

	token := p.Lock()
	cwd := p.Cwd
	p.Unlock(token)

	next, err := s.K.Vfs.OpenInCwd(cwd, path, 0)
	if err != nil {
		return 0, err
	}
	if !next.VNode().Directory {
		next.Close()
		return 0, abi.BadArg
	}

	token = p.Lock()
	old := p.Cwd
	p.Cwd = next
	p.Unlock(token)
	if old != nil {
		old.Close()
	}
	return 0, nil
}

// u32 spawn(const u8 *path, uint pathlen, const struct KString *argv, uint nargs);
func (s *Handler) sysSpawn(p *proc.Process, pathPtr, pathLen, argvPtr, nargs uint64) (uint64, error) {
	path, err := readPath(p, pathPtr, pathLen)
	if err != nil {
		return 0, err
	}

	var ks abi.KString
	argv := vmm.UserOf(vmm.VirtAddr(argvPtr), &ks)
	args := make([][]byte, 0, nargs)

	token := p.Lock()
	for i := uint64(0); i < nargs; i++ {
		if err := argv.Add(i).ReadObject(p.PageTable, &ks); err != nil {
			p.Unlock(token)
			return 0, err
		}
		arg := make([]byte, ks.Len)
		if err := vmm.UserBytes(vmm.VirtAddr(ks.Ptr)).ReadBytes(p.PageTable, arg); err != nil {
			p.Unlock(token)
			return 0, err
		}
		args = append(args, arg)
	}
	cwd := p.Cwd
	p.Unlock(token)

	pid, err := s.K.Spawn(path, cwd, args)
	if err != nil {
		return 0, err
	}
	return uint64(pid), nil
}

// void stat(uint fd, struct Stat *out);
func (s *Handler) sysStat(p *proc.Process, fdno, statPtr uint64) (uint64, error) {
	token := p.Lock()
	fd := p.Fd(fdno)
	p.Unlock(token)
	if fd == nil {
		return 0, abi.BadFd
	}

	stat, err := fd.Stat()
	if err != nil {
		return 0, err
	}

	token = p.Lock()
	err = vmm.UserOf(vmm.VirtAddr(statPtr), &stat).WriteObject(p.PageTable, &stat)
	p.Unlock(token)
	if err != nil {
		return 0, err
	}
	return 0, nil
}

// void *sbrk(sint inc);
//
// The break moves by inc bytes and the previous break is returned. The user
// mapping grows and shrinks at page granularity: pages in
// [roundup(oldbrk), roundup(newbrk)) come and go as whole zeroed Urw pages.
func (s *Handler) sysSbrk(p *proc.Process, inc int64) (uint64, error) {
	token := p.Lock()
	defer p.Unlock(token)

	cur := p.Brk
	next := vmm.VirtAddr(int64(cur) + inc)
	if (inc > 0 && next < cur) || (inc < 0 && next > cur) || next >= vmm.MaxVirtAddr {
		return 0, abi.BadArg
	}

	curTop := roundUpPage(cur)
	nextTop := roundUpPage(next)
	switch {
	case nextTop > curTop:
		if !p.PageTable.MapNewPages(curTop, uint64(nextTop-curTop), vmm.PteUrw, true) {
			return 0, abi.NoMem
		}
	case nextTop < curTop:
		p.PageTable.UnmapPages(nextTop, curTop-mem.PageSize)
	}

	p.Brk = next
	return uint64(cur), nil
}

func roundUpPage(va vmm.VirtAddr) vmm.VirtAddr {
	return vmm.VirtAddr(mem.PageOf(uint64(va) + mem.PageSize - 1))
}

// usize waitpid(u32 pid);
func (s *Handler) sysWaitpid(p *proc.Process, pid uint64) (uint64, error) {
	token := p.Lock()
	own := p.Pid
	p.Unlock(token)
	if uint64(own) == pid || pid > uint64(^uint32(0)) {
		return 0, abi.BadArg
	}

	if s.K.FindByPid(uint32(pid)) == nil {
		// Nothing to wait for; succeed immediately, as the target may
		// already have exited.
		return 0, nil
	}

	token = p.Lock()
	p.Status = proc.Waiting
	p.WaitPid = uint32(pid)
	p.Unlock(token)
	return 0, nil
}

// void exit(usize code);
func (s *Handler) sysExit(p *proc.Process, code uint64) (uint64, error) {
	token := p.Lock()
	p.Kill(&code)
	p.Unlock(token)
	return 0, nil
}
