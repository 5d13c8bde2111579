package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/pkg/syscalls"
)

const pointerSize = 8

// AuditExec captures an execve into the scratch record of the caller's CPU
// and publishes a copy to the sink. filenameAddr and argvAddr are the raw
// syscall arguments. The syscall is never denied; an error reports a dropped
// event.
func (e *Engine) AuditExec(t Task, filenameAddr, argvAddr uint64) (syscalls.ExecEvent, error) {
	if e.closed.Load() {
		return syscalls.ExecEvent{}, ErrClosed
	}
	cpu := t.CPU()
	if cpu < 0 {
		cpu = 0
	}
	slot := &e.scratch[cpu%len(e.scratch)]

	slot.mu.Lock()
	ev := &slot.ev
	*ev = syscalls.ExecEvent{}
	ev.Pid = t.Pid()
	ev.Uid, ev.Gid = t.Creds()
	ev.Comm = t.Comm()
	if ppid, err := t.ParentPid(); err == nil {
		ev.Ppid = ppid
		e.RecordLineage(ev.Pid, ppid, ev.Comm.ProcName())
	} else {
		e.stats.lineageFailed.Add(1)
	}

	if _, err := t.ReadUserString(filenameAddr, ev.Filename[:]); err != nil {
		e.stats.userReadFailed.Add(1)
		clear(ev.Filename[:])
		e.log.WithError(err).WithField("pid", ev.Pid).Debug("execve: filename unreadable")
	}
	for i := 0; i < syscalls.MAX_ARGS; i++ {
		ptr, err := t.ReadUserPointer(argvAddr + uint64(i)*pointerSize)
		if err != nil || ptr == 0 {
			break
		}
		n, err := t.ReadUserString(ptr, ev.Argv[i][:])
		if err != nil || n <= 1 {
			clear(ev.Argv[i][:])
			break
		}
		ev.Argc++
	}
	out := *ev
	slot.mu.Unlock()

	e.stats.execCaptured.Add(1)
	log := e.log.WithFields(logrus.Fields{"pid": out.Pid, "cpu": cpu, "filename": out.FilenameString()})
	if e.sink == nil {
		log.Debug("execve: captured")
		return out, nil
	}
	if err := e.sink.Publish(cpu, &out); err != nil {
		e.stats.execDropped.Add(1)
		log.WithError(err).Warn("execve: event dropped")
		return out, fmt.Errorf("publish exec event: %w", err)
	}
	log.Debug("execve: published")
	return out, nil
}
