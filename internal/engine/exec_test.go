package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pathguard.enforcer/pkg/syscalls"
)

// execTask lays out filename and argv in the fake address space the way the
// kernel passes them: argv is a NULL terminated array of string pointers.
func execTask(pid uint32, filename string, args ...string) (*fakeTask, uint64, uint64) {
	task := newTask(pid, 1, "bash")
	task.uid, task.gid = 1000, 100
	const (
		filenameAddr = 0x1000
		argvAddr     = 0x2000
		strBase      = 0x3000
	)
	task.put(filenameAddr, filename)
	for i, a := range args {
		addr := uint64(strBase + i*0x100)
		task.put(addr, a)
		task.pointers[argvAddr+uint64(i)*pointerSize] = addr
	}
	task.pointers[argvAddr+uint64(len(args))*pointerSize] = 0
	return task, filenameAddr, argvAddr
}

func TestAuditExecCapturesArguments(t *testing.T) {
	sink := &sliceSink{}
	e, err := New(DefaultConfig(), nil, sink, quietLogger())
	require.NoError(t, err)
	defer e.Close()

	task, fn, argv := execTask(500, "/bin/true", "/bin/true", "--flag")
	task.cpu = 1
	ev, err := e.AuditExec(task, fn, argv)
	require.NoError(t, err)

	assert.Equal(t, uint32(2), ev.Argc)
	assert.Equal(t, []string{"/bin/true", "--flag"}, ev.Args())
	assert.Equal(t, "/bin/true", ev.FilenameString())
	assert.Equal(t, uint32(500), ev.Pid)
	assert.Equal(t, uint32(1), ev.Ppid)
	assert.Equal(t, uint32(1000), ev.Uid)
	assert.Equal(t, uint32(100), ev.Gid)
	assert.Equal(t, "bash", ev.Comm.String())

	require.Len(t, sink.events[1], 1)
	assert.Equal(t, ev, sink.events[1][0])

	parent, ok := e.Parent(500)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), parent)
}

func TestAuditExecCapsArguments(t *testing.T) {
	e := newTestEngine(t, nil)
	args := []string{"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}
	task, fn, argv := execTask(501, "/bin/echo", args...)

	ev, err := e.AuditExec(task, fn, argv)
	require.NoError(t, err)
	assert.Equal(t, uint32(syscalls.MAX_ARGS), ev.Argc)
	assert.Equal(t, args[:8], ev.Args())
}

func TestAuditExecStopsEarly(t *testing.T) {
	e := newTestEngine(t, nil)

	tests := []struct {
		name  string
		setup func(task *fakeTask, argv uint64)
		want  []string
	}{
		{
			name:  "empty argument",
			setup: func(task *fakeTask, argv uint64) { task.put(task.pointers[argv+pointerSize], "") },
			want:  []string{"one"},
		},
		{
			name:  "unreadable string",
			setup: func(task *fakeTask, argv uint64) { delete(task.strings, task.pointers[argv+pointerSize]) },
			want:  []string{"one"},
		},
		{
			name:  "unreadable pointer",
			setup: func(task *fakeTask, argv uint64) { delete(task.pointers, argv) },
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, fn, argv := execTask(502, "/bin/x", "one", "two", "three")
			tt.setup(task, argv)
			ev, err := e.AuditExec(task, fn, argv)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Args())
			assert.Equal(t, uint32(len(tt.want)), ev.Argc)
		})
	}
}

func TestAuditExecLongStringsAreTruncated(t *testing.T) {
	e := newTestEngine(t, nil)
	long := strings.Repeat("abcdefghij", 30)
	task, fn, argv := execTask(503, long, long)

	ev, err := e.AuditExec(task, fn, argv)
	require.NoError(t, err)
	assert.Len(t, ev.FilenameString(), syscalls.FILENAME_LEN-1)
	assert.Len(t, ev.Args()[0], syscalls.ARG_LEN-1)
}

func TestAuditExecScratchIsZeroed(t *testing.T) {
	e := newTestEngine(t, nil)

	task, fn, argv := execTask(504, "/usr/bin/long-name", "first", "second", "third")
	_, err := e.AuditExec(task, fn, argv)
	require.NoError(t, err)

	task, fn, argv = execTask(505, "/bin/x", "y")
	ev, err := e.AuditExec(task, fn, argv)
	require.NoError(t, err)
	assert.Equal(t, "/bin/x", ev.FilenameString())
	assert.Equal(t, [syscalls.ARG_LEN]byte{}, ev.Argv[1])
	assert.Equal(t, [syscalls.ARG_LEN]byte{}, ev.Argv[2])
}

func TestAuditExecDropIsCounted(t *testing.T) {
	sink := &sliceSink{full: true}
	e, err := New(DefaultConfig(), nil, sink, quietLogger())
	require.NoError(t, err)
	defer e.Close()

	task, fn, argv := execTask(506, "/bin/true")
	_, err = e.AuditExec(task, fn, argv)
	assert.Error(t, err)

	s := e.Stats()
	assert.Equal(t, uint64(1), s.ExecCaptured)
	assert.Equal(t, uint64(1), s.ExecDropped)
}

func TestAuditExecLabelsProcessForResolver(t *testing.T) {
	e := newTestEngine(t, nil)
	restrict(t, e, "bash", "/secret")

	task, fn, argv := execTask(507, "/usr/bin/python3", "python3")
	_, err := e.AuditExec(task, fn, argv)
	require.NoError(t, err)

	child := newTask(508, 507, "python3")
	assert.Equal(t, Deny, openat(t, e, child, "/secret").Action)
}
