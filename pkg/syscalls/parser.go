package syscalls

import (
	"bytes"
)

// Fixed widths shared with the BPF programs in bpf/. Every string field is a
// zero padded C string, so the usable length is one byte less.
const (
	COMM_LEN      = 16
	PROC_NAME_LEN = 32
	PATH_LEN      = 128
	FILENAME_LEN  = 256
	MAX_ARGS      = 8
	ARG_LEN       = 64
)

// SyscallDataParser decodes one fixed-size record written by an interceptor.
type SyscallDataParser interface {
	Parse(reader *bytes.Reader) error
	String() string
}

// Comm is the kernel task command name.
type Comm [COMM_LEN]byte

// ProcName is the policy table key.
type ProcName [PROC_NAME_LEN]byte

// Path is the policy table value and the staged open attempt argument.
type Path [PATH_LEN]byte

func NewComm(s string) Comm {
	var c Comm
	putCString(c[:], s)
	return c
}

func NewProcName(s string) ProcName {
	var n ProcName
	putCString(n[:], s)
	return n
}

func NewPath(s string) Path {
	var p Path
	putCString(p[:], s)
	return p
}

// ProcName widens a command name to a policy key.
func (c Comm) ProcName() ProcName {
	var n ProcName
	copy(n[:], c[:])
	n[COMM_LEN-1] = 0
	return n
}

func (c Comm) String() string     { return cString(c[:]) }
func (n ProcName) String() string { return cString(n[:]) }
func (p Path) String() string     { return cString(p[:]) }

func (n ProcName) IsZero() bool { return n == ProcName{} }

// CString converts a null-terminated C string in a byte slice to a Go string.
func CString(b []byte) string {
	return cString(b)
}

// putCString copies s into dst truncating so that dst always keeps a trailing
// NUL, the same bytes bpf_probe_read_user_str leaves behind.
func putCString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// cString converts a null-terminated C string in a byte slice to a Go string.
func cString(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n == -1 {
		return string(b)
	}
	return string(b[:n])
}
