//go:build linux && amd64

package ptrace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"pathguard.enforcer/internal/engine"
)

const ptraceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_EXITKILL

// sysGoodTrap is the stop signal of a syscall stop under PTRACE_O_TRACESYSGOOD.
const sysGoodTrap = unix.SIGTRAP | 0x80

// skipSyscall in orig_rax makes the kernel skip the syscall body.
const skipSyscall = ^uint64(0)

type threadState struct {
	tgid      int
	inSyscall bool
	// attached is false until the initial SIGSTOP of an auto-attached child
	// has been swallowed.
	attached bool
	deny     unix.Errno
}

// Tracer supervises one command and its descendants.
type Tracer struct {
	eng      *engine.Engine
	log      *logrus.Entry
	fs       procfs.FS
	procRoot string
	threads  map[int]*threadState
}

func NewTracer(eng *engine.Engine, procRoot string, log *logrus.Logger) (*Tracer, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", procRoot, err)
	}
	return &Tracer{
		eng:      eng,
		log:      log.WithField("component", "ptrace"),
		fs:       fs,
		procRoot: procRoot,
		threads:  make(map[int]*threadState),
	}, nil
}

// Run starts argv under the tracer and supervises it until every traced task
// has exited. It returns the exit code of argv[0]. Cancelling ctx kills the
// traced tree.
func (t *Tracer) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("no command to trace")
	}
	// every ptrace request must come from the thread that attached
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("unable to execute `%s`: %w", argv[0], err)
	}
	root := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(root, &ws, unix.WALL, nil); err != nil {
		return 0, fmt.Errorf("unable to call wait4 on `%s`: %w", argv[0], err)
	}
	if err := unix.PtraceSetOptions(root, ptraceOptions); err != nil {
		return 0, fmt.Errorf("unable to ptrace `%s`, please verify the capabilities: %w", argv[0], err)
	}
	t.threads[root] = &threadState{tgid: root, attached: true}

	stop := context.AfterFunc(ctx, func() {
		t.log.Info("Context canceled, killing traced process")
		_ = unix.Kill(root, unix.SIGKILL)
	})
	defer stop()

	t.log.WithFields(logrus.Fields{"pid": root, "command": argv}).Info("Tracing started")
	if err := unix.PtraceSyscall(root, 0); err != nil {
		return 0, fmt.Errorf("resuming `%s`: %w", argv[0], err)
	}
	return t.loop(root)
}

func (t *Tracer) loop(root int) (int, error) {
	exitCode := 0
	for {
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ECHILD) {
				t.log.WithField("exit_code", exitCode).Info("Tracing finished")
				return exitCode, nil
			}
			return exitCode, fmt.Errorf("wait4: %w", err)
		}

		switch {
		case ws.Exited() || ws.Signaled():
			if tid == root {
				if ws.Exited() {
					exitCode = ws.ExitStatus()
				} else {
					exitCode = 128 + int(ws.Signal())
				}
			}
			t.exited(tid)
			continue
		case !ws.Stopped():
			continue
		}

		sig := 0
		st := t.thread(tid)
		switch {
		case ws.StopSignal() == sysGoodTrap:
			t.syscallStop(tid, st)
		case ws.StopSignal() == unix.SIGTRAP && ws.TrapCause() > 0:
			t.eventStop(tid, ws.TrapCause())
		case ws.StopSignal() == unix.SIGSTOP && !st.attached:
			st.attached = true
		default:
			sig = int(ws.StopSignal())
		}

		if err := unix.PtraceSyscall(tid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			t.log.WithError(err).WithField("tid", tid).Debug("unable to resume task")
		}
	}
}

func (t *Tracer) thread(tid int) *threadState {
	st, ok := t.threads[tid]
	if !ok {
		st = &threadState{}
		t.threads[tid] = st
	}
	return st
}

func (t *Tracer) exited(tid int) {
	if st, ok := t.threads[tid]; ok {
		t.eng.DropStaged(uint32(st.tgid), uint32(tid))
		delete(t.threads, tid)
	}
}

func (t *Tracer) syscallStop(tid int, st *threadState) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		t.log.WithError(err).WithField("tid", tid).Debug("unable to get registers")
		return
	}

	if st.inSyscall {
		st.inSyscall = false
		if st.deny != 0 {
			regs.Rax = uint64(-int64(st.deny))
			st.deny = 0
			if err := unix.PtraceSetRegs(tid, &regs); err != nil {
				t.log.WithError(err).WithField("tid", tid).Warn("unable to set syscall result")
			}
		}
		return
	}
	st.inSyscall = true

	switch regs.Orig_rax {
	case unix.SYS_OPENAT:
		task, err := newProcTask(t.fs, t.procRoot, tid)
		if err != nil {
			t.log.WithError(err).WithField("tid", tid).Debug("openat: task state unavailable")
			return
		}
		st.tgid = task.tgid
		// the entry stop is also the last point where the body can be skipped,
		// so both stages run here
		tok, err := t.eng.Enter(task, regs.Rsi)
		if err != nil {
			t.log.WithError(err).WithField("tid", tid).Debug("openat: not staged")
		}
		d := t.eng.Enforce(task, tok)
		if !d.Denied() {
			return
		}
		st.deny = d.Errno()
		regs.Orig_rax = skipSyscall
		if err := unix.PtraceSetRegs(tid, &regs); err != nil {
			t.log.WithError(err).WithField("tid", tid).Warn("openat: unable to skip denied syscall")
		}
	case unix.SYS_EXECVE:
		task, err := newProcTask(t.fs, t.procRoot, tid)
		if err != nil {
			t.log.WithError(err).WithField("tid", tid).Debug("execve: task state unavailable")
			return
		}
		st.tgid = task.tgid
		if _, err := t.eng.AuditExec(task, regs.Rdi, regs.Rsi); err != nil {
			t.log.WithError(err).WithField("tid", tid).Debug("execve: audit event dropped")
		}
	}
}

func (t *Tracer) eventStop(tid, cause int) {
	switch cause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		msg, err := unix.PtraceGetEventMsg(tid)
		if err != nil {
			t.log.WithError(err).WithField("tid", tid).Debug("unable to read new task id")
			return
		}
		child := int(msg)
		// the child may already have reported its initial stop
		st := t.thread(child)

		parent, err := newProcTask(t.fs, t.procRoot, tid)
		if err != nil {
			return
		}
		if cause == unix.PTRACE_EVENT_CLONE {
			// CLONE_THREAD shares the parent's thread group
			if task, err := newProcTask(t.fs, t.procRoot, child); err == nil && task.tgid != child {
				st.tgid = task.tgid
				return
			}
		}
		st.tgid = child
		t.eng.RecordLineage(uint32(child), parent.Pid(), parent.Comm().ProcName())
		t.log.WithFields(logrus.Fields{"pid": child, "ppid": parent.Pid()}).Debug("New traced process")
	case unix.PTRACE_EVENT_EXEC:
		// after exec the old thread id may have been replaced by the leader
		t.thread(tid).inSyscall = true
	}
}
