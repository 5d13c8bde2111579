//go:build linux

// Package ptrace runs a command under a ptrace supervisor that feeds every
// openat and execve of the traced process tree to the enforcement engine.
package ptrace

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"pathguard.enforcer/internal/engine"
	"pathguard.enforcer/pkg/syscalls"
)

var pageSize = uint64(os.Getpagesize())

// procTask is the engine.Task of one stopped thread, read from /proc.
type procTask struct {
	procRoot string
	tid      int
	tgid     int
	stat     procfs.ProcStat
}

var _ engine.Task = (*procTask)(nil)

func newProcTask(fs procfs.FS, procRoot string, tid int) (*procTask, error) {
	proc, err := fs.Proc(tid)
	if err != nil {
		return nil, fmt.Errorf("opening /proc entry of %d: %w", tid, err)
	}
	status, err := proc.NewStatus()
	if err != nil {
		return nil, fmt.Errorf("reading status of %d: %w", tid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading stat of %d: %w", tid, err)
	}
	return &procTask{procRoot: procRoot, tid: tid, tgid: status.TGID, stat: stat}, nil
}

func (t *procTask) Pid() uint32         { return uint32(t.tgid) }
func (t *procTask) Tid() uint32         { return uint32(t.tid) }
func (t *procTask) Comm() syscalls.Comm { return syscalls.NewComm(t.stat.Comm) }
func (t *procTask) CPU() int            { return int(t.stat.Processor) }

func (t *procTask) ParentPid() (uint32, error) {
	if t.stat.PPID <= 0 {
		return 0, fmt.Errorf("task %d has no parent", t.tid)
	}
	return uint32(t.stat.PPID), nil
}

// Creds reports the owner of the /proc entry, which follows the effective
// ids of the task.
func (t *procTask) Creds() (uint32, uint32) {
	var st unix.Stat_t
	if err := unix.Stat(filepath.Join(t.procRoot, strconv.Itoa(t.tid)), &st); err != nil {
		return 0, 0
	}
	return st.Uid, st.Gid
}

func (t *procTask) ReadUserString(addr uint64, dst []byte) (int, error) {
	return readString(t.tid, addr, dst)
}

func (t *procTask) ReadUserPointer(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := processVMReadv(t.tid, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func processVMReadv(pid int, addr uint64, data []byte) (int, error) {
	if addr == 0 {
		return 0, unix.EFAULT
	}
	localIov := []unix.Iovec{{Base: &data[0]}}
	localIov[0].SetLen(len(data))
	remoteIov := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	return unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
}

// readString copies a NUL terminated string page by page so that a string
// ending just before an unmapped page is still readable. dst always ends up
// NUL terminated; the result counts the terminator.
func readString(pid int, addr uint64, dst []byte) (int, error) {
	limit := len(dst) - 1
	n := 0
	for n < limit {
		cur := addr + uint64(n)
		chunk := int(pageSize - cur%pageSize)
		if chunk > limit-n {
			chunk = limit - n
		}
		read, err := processVMReadv(pid, cur, dst[n:n+chunk])
		if err != nil {
			return 0, err
		}
		for i := n; i < n+read; i++ {
			if dst[i] == 0 {
				return i + 1, nil
			}
		}
		n += read
		if read < chunk {
			break
		}
	}
	dst[n] = 0
	return n + 1, nil
}
