package syscalls

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// ExecEvent mirrors struct exec_event_t in bpf/exec_audit.bpf.c.
type ExecEvent struct {
	Pid      uint32
	Ppid     uint32
	Uid      uint32
	Gid      uint32
	Comm     Comm
	Filename [FILENAME_LEN]byte
	Argc     uint32
	Argv     [MAX_ARGS][ARG_LEN]byte
}

// EXEC_EVENT_SIZE is the wire size of an ExecEvent.
const EXEC_EVENT_SIZE = 4*4 + COMM_LEN + FILENAME_LEN + 4 + MAX_ARGS*ARG_LEN

func (e *ExecEvent) Parse(reader *bytes.Reader) error {
	return binary.Read(reader, binary.LittleEndian, e)
}

func (e *ExecEvent) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(EXEC_EVENT_SIZE)
	if err := binary.Write(&buf, binary.LittleEndian, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *ExecEvent) FilenameString() string {
	return cString(e.Filename[:])
}

// Args returns the captured argument vector, at most MAX_ARGS entries.
func (e *ExecEvent) Args() []string {
	n := int(e.Argc)
	if n > MAX_ARGS {
		n = MAX_ARGS
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		args = append(args, cString(e.Argv[i][:]))
	}
	return args
}

func (e *ExecEvent) String() string {
	return fmt.Sprintf("execve, Pid: %d, Ppid: %d, Uid: %d, Gid: %d, Comm: %s, Filename: %s, Argv: [%s]",
		e.Pid, e.Ppid, e.Uid, e.Gid, e.Comm, e.FilenameString(), strings.Join(e.Args(), " "))
}
