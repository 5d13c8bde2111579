package engine

import "pathguard.enforcer/pkg/syscalls"

// Task is the calling context of an intercepted syscall: the thread that
// issued it and access to its memory. A backend builds one per stop.
type Task interface {
	Pid() uint32
	Tid() uint32
	Comm() syscalls.Comm
	// ParentPid reads the parent from task state.
	ParentPid() (uint32, error)
	Creds() (uid, gid uint32)
	// CPU is the logical CPU the task is running on.
	CPU() int
	// ReadUserString copies the NUL terminated string at addr into dst,
	// truncating so that dst always ends with a NUL. It returns the number of
	// bytes written including the terminator and leaves the rest of dst alone.
	ReadUserString(addr uint64, dst []byte) (int, error)
	// ReadUserPointer reads one pointer-sized word at addr.
	ReadUserPointer(addr uint64) (uint64, error)
}
