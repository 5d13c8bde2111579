package syscalls

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWidthTruncation(t *testing.T) {
	long := strings.Repeat("a", 200)

	p := NewPath(long)
	assert.Equal(t, PATH_LEN-1, len(p.String()))
	assert.Equal(t, byte(0), p[PATH_LEN-1])

	n := NewProcName(long)
	assert.Equal(t, PROC_NAME_LEN-1, len(n.String()))

	assert.Equal(t, "/etc/shadow", NewPath("/etc/shadow").String())
	assert.True(t, ProcName{}.IsZero())
	assert.False(t, NewProcName("cat").IsZero())
}

func TestCommWidensToProcName(t *testing.T) {
	c := NewComm("a-very-long-command-name")
	assert.Equal(t, "a-very-long-com", c.String())

	key := c.ProcName()
	assert.Equal(t, NewProcName("a-very-long-com"), key)
	assert.Equal(t, NewProcName("cat"), NewComm("cat").ProcName())
}

func TestExecEventWireFormat(t *testing.T) {
	ev := ExecEvent{Pid: 42, Ppid: 1, Uid: 1000, Gid: 1000, Comm: NewComm("bash"), Argc: 2}
	copy(ev.Filename[:], "/bin/true")
	copy(ev.Argv[0][:], "/bin/true")
	copy(ev.Argv[1][:], "--flag")

	raw, err := ev.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, raw, EXEC_EVENT_SIZE)

	// perf samples are padded to 8 bytes; trailing bytes must be ignored
	raw = append(raw, 0, 0, 0, 0)

	var decoded ExecEvent
	require.NoError(t, decoded.Parse(bytes.NewReader(raw)))
	assert.Equal(t, ev, decoded)
	assert.Equal(t, "/bin/true", decoded.FilenameString())
	assert.Equal(t, []string{"/bin/true", "--flag"}, decoded.Args())
	assert.Contains(t, decoded.String(), "Argv: [/bin/true --flag]")
}

func TestExecEventShortSample(t *testing.T) {
	var ev ExecEvent
	assert.Error(t, ev.Parse(bytes.NewReader(make([]byte, 10))))
}

func TestExecEventArgsCapped(t *testing.T) {
	ev := ExecEvent{Argc: 12}
	assert.Len(t, ev.Args(), MAX_ARGS)
}

func TestOpenAttemptParse(t *testing.T) {
	in := OpenAttempt{Seq: 7, Pathname: NewPath("/etc/passwd")}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &in))

	var out OpenAttempt
	require.NoError(t, out.Parse(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, in, out)
	assert.Equal(t, "openat, Seq: 7, Path: /etc/passwd", out.String())
}
